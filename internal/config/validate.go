package config

import (
	"fmt"
	"slices"

	"github.com/lucasnoah/phasefactory/internal/checks"
	"github.com/lucasnoah/phasefactory/internal/events"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// recognizedParsers is the set of valid parser names for command checks.
var recognizedParsers = map[string]bool{
	"generic": true,
	"verdict": true,
}

var (
	backends       = []string{BackendSQLite, BackendPostgres, BackendBadger, BackendMemory}
	evaluatorKinds = []string{EvaluatorCommand, EvaluatorOpenAI, EvaluatorStatic}
	logLevels      = []string{"debug", "info", "warn", "error"}
	logFormats     = []string{"text", "json"}
)

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	e := cfg.Engine
	if e.NodeID == "" {
		add("engine.node_id", "is required")
	}
	positive := []struct {
		field string
		value int64
	}{
		{"engine.tick_interval", int64(e.TickInterval)},
		{"engine.stall_timeout", int64(e.StallTimeout)},
		{"engine.max_attempts", int64(e.MaxAttempts)},
		{"engine.mailbox_size", int64(e.MailboxSize)},
		{"engine.checkpoint_every", int64(e.CheckpointEvery)},
		{"supervisor.heartbeat_interval", int64(cfg.Supervisor.HeartbeatInterval)},
		{"supervisor.restart_cap", int64(cfg.Supervisor.RestartCap)},
		{"supervisor.restart_window", int64(cfg.Supervisor.RestartWindow)},
		{"context.budget", int64(cfg.Context.Budget)},
		{"review.timeout", int64(cfg.Review.Timeout)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			add(p.field, "must be positive")
		}
	}
	if cfg.Supervisor.HeartbeatTimeout <= cfg.Supervisor.HeartbeatInterval {
		add("supervisor.heartbeat_timeout", "must exceed heartbeat_interval")
	}

	if cfg.Executors.Count < 0 {
		add("executors.count", "must not be negative")
	}
	total := cfg.Executors.Count
	for role, n := range cfg.Executors.Roles {
		if role == "" {
			add("executors.roles", "role name is required")
		}
		if n <= 0 {
			add("executors.roles."+role, "count must be positive")
		}
		total += n
	}
	if total == 0 {
		add("executors", "at least one executor is required")
	}

	c := cfg.Context
	if c.BudgetPool != 0 && c.BudgetPool < c.Budget {
		add("context.budget_pool", "must be at least context.budget (%d)", c.Budget)
	}
	if c.TopK < 0 {
		add("context.top_k", "must not be negative")
	}
	if c.Shares.Critical < 0 || c.Shares.Supporting < 0 || c.Shares.General < 0 {
		add("context.shares", "must not be negative")
	}
	if sum := c.Shares.Critical + c.Shares.Supporting + c.Shares.General; sum > 100 {
		add("context.shares", "add up to %d%%, at most 100%% allowed", sum)
	}

	if _, err := checks.ByName(cfg.Review.Checks); err != nil {
		add("review.checks", "%v", err)
	}
	seen := make(map[string]bool)
	for i, cmd := range cfg.Review.Commands {
		prefix := fmt.Sprintf("review.commands[%d]", i)
		if cmd.Name == "" {
			add(prefix+".name", "is required")
		} else if seen[cmd.Name] || slices.Contains(cfg.Review.Checks, cmd.Name) {
			add(prefix+".name", "duplicate check %q", cmd.Name)
		}
		seen[cmd.Name] = true
		if cmd.Command == "" {
			add(prefix+".command", "is required")
		}
		if cmd.Parser != "" && !recognizedParsers[cmd.Parser] {
			add(prefix+".parser", "unrecognized parser %q", cmd.Parser)
		}
	}

	ev := cfg.Evaluator
	switch ev.Kind {
	case EvaluatorCommand:
		if ev.Command == "" {
			add("evaluator.command", "is required for kind %q", ev.Kind)
		}
	case EvaluatorOpenAI:
		if ev.Model == "" {
			add("evaluator.model", "is required for kind %q", ev.Kind)
		}
	case EvaluatorStatic:
	default:
		add("evaluator.kind", "must be one of %v", evaluatorKinds)
	}
	if ev.RateLimit < 0 {
		add("evaluator.rate_limit", "must not be negative")
	}

	st := cfg.Storage
	if !slices.Contains(backends, st.Backend) {
		add("storage.backend", "must be one of %v", backends)
	}
	if st.Backend == BackendPostgres && st.DSN == "" {
		add("storage.dsn", "is required for the postgres backend")
	}

	if cfg.Peer.Enabled && cfg.Peer.URL == "" {
		add("peer.url", "is required when peer coordination is enabled")
	}
	if cfg.Peer.Enabled && cfg.Engine.NodeID == events.DefaultNode {
		add("engine.node_id", "must name this node when peer coordination is enabled")
	}
	if cfg.Server.Addr == "" {
		add("server.addr", "is required")
	}
	if !slices.Contains(logLevels, cfg.Log.Level) {
		add("log.level", "must be one of %v", logLevels)
	}
	if !slices.Contains(logFormats, cfg.Log.Format) {
		add("log.format", "must be one of %v", logFormats)
	}

	return errs
}
