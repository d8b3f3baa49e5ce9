package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/phasefactory/internal/engine"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild state from the event log without starting the engine",
	Long: `Fold the whole event log, ignoring checkpoints, and print the resulting
work item and agent state. A log that does not fold cleanly is reported
with the last sequence number that applied.

SQLite and PostgreSQL logs can be replayed while the engine runs; a Badger
journal is locked by the running engine.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := formatFlag(cmd)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		res, err := engine.Replay(cmd.Context(), cfg, newLogger(cfg.Log))
		if err != nil {
			return err
		}
		items := res.State.Items()
		if state, _ := cmd.Flags().GetString("state"); state != "" {
			kept := items[:0]
			for _, it := range items {
				if string(it.State) == state {
					kept = append(kept, it)
				}
			}
			items = kept
		}

		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"last_seq": res.LastSeq,
				"replayed": res.Replayed,
				"items":    items,
				"agents":   res.Registry.Handles(),
			})
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Replayed %d event(s) up to seq %d\n", res.Replayed, res.LastSeq)
		counts := res.State.Counts()
		states := make([]string, 0, len(counts))
		for s := range counts {
			states = append(states, string(s))
		}
		sort.Strings(states)
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, s := range states {
			fmt.Fprintf(w, "  %s\t%d\n", s, counts[pipeline.State(s)])
		}
		w.Flush()
		if show, _ := cmd.Flags().GetBool("items"); show && len(items) > 0 {
			fmt.Fprintln(out)
			printItems(out, items)
		}
		if hs := res.Registry.Handles(); len(hs) > 0 {
			fmt.Fprintf(out, "\n%d agent(s) in the log\n", len(hs))
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().String("format", "text", "Output format: text or json")
	replayCmd.Flags().Bool("items", false, "list every item")
	replayCmd.Flags().String("state", "", "with --items or json, only items in this state")
}
