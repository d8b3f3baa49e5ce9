package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Show supervised agents and recent escalations",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := formatFlag(cmd)
		if err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		agents, err := c.Agents(cmd.Context())
		if err != nil {
			return err
		}
		escalations, err := c.Escalations(cmd.Context())
		if err != nil {
			return err
		}
		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), map[string]any{"agents": agents, "escalations": escalations})
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tROLE\tSTATUS\tRESTARTS\tHEARTBEAT\tLAST ERROR")
		for _, h := range agents {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				h.ID, h.Role, h.Status, h.RestartCount, ago(h.LastHeartbeat), truncate(h.LastError, 60))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if len(escalations) == 0 {
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "\nEscalations:")
		for _, e := range escalations {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s  [%s] %s\n", e.At.Local().Format("15:04:05"), e.Source, e.Message)
		}
		return nil
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Show mirrored peer nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := formatFlag(cmd)
		if err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		views, err := c.Peers(cmd.Context())
		if err != nil {
			return err
		}
		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), views)
		}
		if len(views) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No peers seen.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ORIGIN\tLAST SEQ\tPENDING\tCONFLICTS\tITEMS\tSEEN\tDIVERGED")
		for _, v := range views {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
				v.Origin, v.LastSeq, v.Pending, v.Conflicts, len(v.Items), ago(v.LastSeen), v.Diverged)
		}
		return w.Flush()
	},
}

func init() {
	agentsCmd.Flags().String("format", "text", "Output format: text or json")
	peersCmd.Flags().String("format", "text", "Output format: text or json")
}
