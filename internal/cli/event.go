package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/phasefactory/internal/client"
	"github.com/lucasnoah/phasefactory/internal/events"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the event log, or follow it live",
	Long: `Show logged events, newest --limit of them, optionally filtered by item
and kind. With --follow the command keeps streaming new events until
interrupted.

  factory events --item 3f2a... --kind review_rejected,review_approved
  factory events --follow --since 1200`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := formatFlag(cmd)
		if err != nil {
			return err
		}
		q, err := eventQuery(cmd)
		if err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}

		show := func(e events.Event) error { return printEvent(cmd.OutOrStdout(), format, e) }
		if follow, _ := cmd.Flags().GetBool("follow"); follow {
			return c.Follow(cmd.Context(), q, show)
		}
		evs, err := c.History(cmd.Context(), q)
		if err != nil {
			return err
		}
		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), evs)
		}
		if len(evs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events found.")
			return nil
		}
		for _, e := range evs {
			if err := show(e); err != nil {
				return err
			}
		}
		return nil
	},
}

func eventQuery(cmd *cobra.Command) (client.EventQuery, error) {
	item, _ := cmd.Flags().GetString("item")
	kinds, _ := cmd.Flags().GetStringSlice("kind")
	since, _ := cmd.Flags().GetUint64("since")
	limit, _ := cmd.Flags().GetInt("limit")
	q := client.EventQuery{ItemID: item, Since: since, Limit: limit}
	for _, name := range kinds {
		k, err := events.ParseKind(strings.TrimSpace(name))
		if err != nil {
			return q, err
		}
		q.Kinds = append(q.Kinds, k)
	}
	return q, nil
}

func printEvent(w io.Writer, format string, e events.Event) error {
	if format == "json" {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	payload := ""
	if len(e.Payload) > 0 && string(e.Payload) != "null" {
		payload = truncate(string(e.Payload), 120)
	}
	_, err := fmt.Fprintf(w, "%6d  %s  %-20s %-14s %-12s %s\n",
		e.Seq, e.Timestamp.Local().Format("15:04:05.000"), e.Kind, e.Actor, shortItem(e.WorkItemID), payload)
	return err
}

func shortItem(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func init() {
	eventsCmd.Flags().String("format", "text", "Output format: text or json (one event per line when following)")
	eventsCmd.Flags().String("item", "", "only events of this work item")
	eventsCmd.Flags().StringSlice("kind", nil, "only these event kinds (repeatable or comma separated)")
	eventsCmd.Flags().Uint64("since", 0, "only events after this sequence number")
	eventsCmd.Flags().Int("limit", 100, "newest N events (0 for all); ignored with --follow")
	eventsCmd.Flags().BoolP("follow", "f", false, "keep streaming new events")
}
