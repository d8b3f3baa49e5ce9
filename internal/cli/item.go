package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/phasefactory/internal/protocol"
)

var itemCommandHelp = map[protocol.CommandOp]string{
	protocol.OpCancel:  "Cancel a work item (Failed; an in-flight executor is told to stop first)",
	protocol.OpReopen:  "Reopen a completed or failed item back to pending",
	protocol.OpRetry:   "Retry a failed item",
	protocol.OpUnblock: "Return a blocked item to the ready set",
}

var opPast = map[protocol.CommandOp]string{
	protocol.OpCancel:  "Cancelled",
	protocol.OpReopen:  "Reopened",
	protocol.OpRetry:   "Retried",
	protocol.OpUnblock: "Unblocked",
}

// itemCommands builds cancel, reopen, retry and unblock. They differ only
// in the operation sent.
func itemCommands() []*cobra.Command {
	ops := []protocol.CommandOp{protocol.OpCancel, protocol.OpReopen, protocol.OpRetry, protocol.OpUnblock}
	cmds := make([]*cobra.Command, 0, len(ops))
	for _, op := range ops {
		c := &cobra.Command{
			Use:   string(op) + " <id>",
			Short: itemCommandHelp[op],
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				reason, _ := cmd.Flags().GetString("reason")
				c, err := apiClient()
				if err != nil {
					return err
				}
				it, err := c.Command(cmd.Context(), op, args[0], reason)
				if err != nil {
					return fmt.Errorf("%s %s: %w", op, args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: now %s at %s\n", opPast[op], it.ID, it.State, it.Phase)
				return nil
			},
		}
		c.Flags().String("reason", "", "reason recorded with the command")
		cmds = append(cmds, c)
	}
	return cmds
}
