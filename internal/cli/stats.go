package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show phase durations, review rates and throughput",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := formatFlag(cmd)
		if err != nil {
			return err
		}
		since, _ := cmd.Flags().GetString("since")
		c, err := apiClient()
		if err != nil {
			return err
		}
		rep, err := c.Stats(cmd.Context(), since)
		if err != nil {
			return err
		}
		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), rep)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d event(s)", rep.Events)
		if !rep.Since.IsZero() {
			fmt.Fprintf(out, " since %s", rep.Since.Local().Format("2006-01-02 15:04"))
		}
		fmt.Fprintln(out)

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		if len(rep.Phases) > 0 {
			fmt.Fprintln(w, "\nPHASE\tVISITS\tAVG(s)\tP50(s)\tP95(s)")
			for _, p := range rep.Phases {
				fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", p.Phase, p.Count, p.Avg, p.P50, p.P95)
			}
		}
		if len(rep.Reviews) > 0 {
			fmt.Fprintln(w, "\nPHASE\tAPPROVED\tREJECTED\tFUNDAMENTAL\tREJECT%")
			for _, r := range rep.Reviews {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f\n", r.Phase, r.Approved, r.Rejected, r.Fundamental, r.RejectPct)
			}
		}
		if len(rep.Rounds) > 0 {
			fmt.Fprintln(w, "\nPHASE\tAPPROVALS\t0 ROUNDS%\t1%\t2%\t3+%")
			for _, r := range rep.Rounds {
				fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\t%.1f\n", r.Phase, r.Total, r.Zero, r.One, r.Two, r.ThreePlus)
			}
		}
		if len(rep.Throughput) > 0 {
			fmt.Fprintln(w, "\nDAY\tCREATED\tCOMPLETED\tFAILED\tLEAD(min)")
			for _, d := range rep.Throughput {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f\n", d.Period, d.Created, d.Completed, d.Failed, d.AvgLead)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
		a := rep.Agents
		fmt.Fprintf(out, "\nagents: %d crash(es), %d stall(s), %d restart(s), %d failure(s)\n", a.Crashes, a.Stalls, a.Restarts, a.Failures)
		return nil
	},
}

func init() {
	statsCmd.Flags().String("format", "text", "Output format: text or json")
	statsCmd.Flags().String("since", "", "only count events after this (24h, 7d or RFC 3339)")
}
