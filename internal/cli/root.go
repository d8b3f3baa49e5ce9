package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/phasefactory/internal/client"
	"github.com/lucasnoah/phasefactory/internal/config"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configFile string
	serverAddr string
)

var rootCmd = &cobra.Command{
	Use:   "factory",
	Short: "phasefactory: a phase-gated work orchestration engine",
	Long: `phasefactory drives work items through four gated phases
(prompt -> spec -> full spec -> plan -> artifacts) with a reviewer
approving every phase transition.

"factory run" starts the engine and its HTTP API. The other commands talk to
a running engine over that API, except replay and db, which open storage
directly. Configuration is read from --config, ./factory.yaml or
~/.factory/config.yaml.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "engine API address (default: server.addr from config)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(itemsCmd)
	for _, c := range itemCommands() {
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

// apiClient resolves --addr, falling back to the configured server address.
func apiClient() (*client.Client, error) {
	if serverAddr != "" {
		return client.New(serverAddr), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return client.New(cfg.Server.Addr), nil
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func formatFlag(cmd *cobra.Command) (string, error) {
	format, _ := cmd.Flags().GetString("format")
	if format != "text" && format != "json" {
		return "", fmt.Errorf("unknown format %q: use text or json", format)
	}
	return format, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
