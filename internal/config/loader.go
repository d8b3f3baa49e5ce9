package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/phasefactory/internal/events"
)

// Load reads and parses an engine configuration from the given YAML file path.
// After parsing, it fills in defaults for everything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./factory.yaml, ~/.factory/config.yaml.
// With no file anywhere it returns the defaults.
func LoadDefault() (*Config, error) {
	candidates := []string{"factory.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".factory", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Default(), nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func applyDefaults(cfg *Config) {
	e := &cfg.Engine
	if e.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			e.NodeID = host
		} else {
			e.NodeID = events.DefaultNode
		}
	}
	setDuration(&e.TickInterval, time.Second)
	setDuration(&e.StallTimeout, 5*time.Minute)
	setInt(&e.MaxAttempts, 3)
	setInt(&e.MaxSubwork, 8)
	setInt(&e.MailboxSize, 64)
	setInt(&e.CheckpointEvery, 500)
	setInt(&e.CheckpointKeep, 3)

	if cfg.Executors.Count == 0 && len(cfg.Executors.Roles) == 0 {
		cfg.Executors.Count = 2
	}
	setDuration(&cfg.Executors.StepTimeout, 10*time.Minute)

	s := &cfg.Supervisor
	setDuration(&s.HeartbeatInterval, time.Second)
	setDuration(&s.HeartbeatTimeout, 10*s.HeartbeatInterval)
	setInt(&s.RestartCap, 5)
	setDuration(&s.RestartWindow, time.Minute)
	setInt(&s.RestoreEvents, 20)

	c := &cfg.Context
	setInt(&c.Budget, 8000)
	if c.Shares == (Shares{}) {
		c.Shares = Shares{Critical: 50, Supporting: 30, General: 20}
	}

	setDuration(&cfg.Review.Timeout, 2*time.Minute)
	for i := range cfg.Review.Commands {
		cmd := &cfg.Review.Commands[i]
		if cmd.Parser == "" {
			cmd.Parser = "generic"
		}
		setDuration(&cmd.Timeout, 2*time.Minute)
	}

	ev := &cfg.Evaluator
	if ev.Kind == "" {
		ev.Kind = EvaluatorCommand
	}
	if ev.Kind == EvaluatorCommand && ev.Command == "" {
		ev.Command = "claude"
	}
	if ev.Kind == EvaluatorOpenAI && ev.APIKeyEnv == "" {
		ev.APIKeyEnv = "OPENAI_API_KEY"
	}
	if ev.Kind == EvaluatorStatic && ev.Reply == "" {
		ev.Reply = "PASS"
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendSQLite
	}

	if cfg.Peer.Prefix == "" {
		cfg.Peer.Prefix = "factory"
	}
	setDuration(&cfg.Peer.RepairInterval, 5*time.Second)

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8420"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}
