package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/phasefactory/internal/engine"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Event log storage management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply storage schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir, err := engine.DataDir(cfg)
		if err != nil {
			return err
		}
		store, err := engine.OpenStorage(cmd.Context(), cfg.Storage, dir, newLogger(cfg.Log))
		if err != nil {
			return err
		}
		defer store.Close()
		last, err := store.LastSeq(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s storage ready, last seq %d\n", cfg.Storage.Backend, last)
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every event and checkpoint (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to reset without --yes")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir, err := engine.DataDir(cfg)
		if err != nil {
			return err
		}
		if err := engine.ResetStorage(cmd.Context(), cfg, dir, newLogger(cfg.Log)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s storage reset\n", cfg.Storage.Backend)
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
