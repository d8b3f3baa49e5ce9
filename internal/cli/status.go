package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status [plan]",
	Short: "Show work item status, for one plan or everything",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := formatFlag(cmd)
		if err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}

		var items []pipeline.WorkItem
		if len(args) == 1 {
			ps, err := c.Plan(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			items = ps.Items
		} else if items, err = c.Items(cmd.Context(), "", ""); err != nil {
			return err
		}

		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), items)
		}
		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No work items found.")
			return nil
		}
		printSummary(cmd.OutOrStdout(), items)
		printItems(cmd.OutOrStdout(), items)
		for _, it := range items {
			if len(it.ReviewFeedback) == 0 || it.State == pipeline.StateComplete {
				continue
			}
			fb := it.ReviewFeedback[len(it.ReviewFeedback)-1]
			kind := "rejected"
			if fb.Fundamental {
				kind = "rejected (fundamental)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s %s at %s: %s\n", it.ID, kind, fb.Phase, truncate(fb.Reason, 200))
		}
		return nil
	},
}

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "List work items",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := formatFlag(cmd)
		if err != nil {
			return err
		}
		state, _ := cmd.Flags().GetString("state")
		plan, _ := cmd.Flags().GetString("plan")
		if state != "" && !pipeline.State(state).Valid() {
			return fmt.Errorf("unknown state %q", state)
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		items, err := c.Items(cmd.Context(), state, plan)
		if err != nil {
			return err
		}
		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), items)
		}
		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No work items found.")
			return nil
		}
		printItems(cmd.OutOrStdout(), items)
		return nil
	},
}

func printSummary(w io.Writer, items []pipeline.WorkItem) {
	counts := make(map[pipeline.State]int)
	for _, it := range items {
		counts[it.State]++
	}
	states := make([]string, 0, len(counts))
	for s, n := range counts {
		states = append(states, fmt.Sprintf("%s=%d", s, n))
	}
	sort.Strings(states)
	fmt.Fprintf(w, "%d item(s): %s\n\n", len(items), strings.Join(states, " "))
}

func printItems(out io.Writer, items []pipeline.WorkItem) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPHASE\tSTATE\tPRI\tATT\tAGENT\tUPDATED\tNOTE")
	for _, it := range items {
		note := it.BlockedReason
		if note == "" && it.LastProgress != nil {
			note = it.LastProgress.Note
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			it.ID, it.Phase, it.State, it.Priority, it.AttemptCount,
			it.AssignedAgent, ago(it.UpdatedAt), truncate(note, 50))
	}
	w.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
	itemsCmd.Flags().String("format", "text", "Output format: text or json")
	itemsCmd.Flags().String("state", "", "only items in this state")
	itemsCmd.Flags().String("plan", "", "only items of this plan")
}
