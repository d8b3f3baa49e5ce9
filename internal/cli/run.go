package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/phasefactory/internal/config"
	"github.com/lucasnoah/phasefactory/internal/engine"
	"github.com/lucasnoah/phasefactory/internal/web"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the engine and its HTTP API",
	Long: `Start the engine: recover state from the event log, start the supervised
actors and serve the API and dashboard on server.addr until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
			cfg.Server.Addr = addr
		}
		if errs := config.Validate(cfg); len(errs) > 0 {
			for _, e := range errs {
				cmd.PrintErrf("  - %s\n", e)
			}
			return fmt.Errorf("config has %d validation error(s)", len(errs))
		}

		logger := newLogger(cfg.Log)
		opts := engine.Options{Logger: logger}
		if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
			opts.Progress = cmd.OutOrStdout()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := engine.Open(ctx, cfg, opts)
		if err != nil {
			return err
		}
		defer e.Close()

		rec := e.Recovered()
		fmt.Fprintf(cmd.OutOrStdout(), "node %s: recovered %d item(s) at seq %d (%d replayed)\n",
			e.Node(), len(e.Items()), rec.LastSeq, rec.Replayed)
		fmt.Fprintf(cmd.OutOrStdout(), "serving on http://%s\n", cfg.Server.Addr)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return e.Run(gctx) })
		g.Go(func() error { return web.NewServer(e, logger).Serve(gctx, cfg.Server.Addr) })
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("listen", "", "override server.addr")
	runCmd.Flags().BoolP("quiet", "q", false, "suppress progress lines")
}
