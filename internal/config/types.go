package config

import "time"

// Config is the top-level engine configuration parsed from factory YAML.
type Config struct {
	Engine     Engine     `yaml:"engine"`
	Executors  Executors  `yaml:"executors"`
	Supervisor Supervisor `yaml:"supervisor"`
	Context    Context    `yaml:"context"`
	Review     Review     `yaml:"review"`
	Evaluator  Evaluator  `yaml:"evaluator"`
	Storage    Storage    `yaml:"storage"`
	Peer       Peer       `yaml:"peer"`
	Server     Server     `yaml:"server"`
	Log        Log        `yaml:"log"`
}

// Engine holds orchestrator and recovery settings.
type Engine struct {
	NodeID          string        `yaml:"node_id"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	StallTimeout    time.Duration `yaml:"stall_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	MaxSubwork      int           `yaml:"max_subwork"`
	MailboxSize     int           `yaml:"mailbox_size"`
	CheckpointEvery int           `yaml:"checkpoint_every"`
	CheckpointKeep  int           `yaml:"checkpoint_keep"`
	DataDir         string        `yaml:"data_dir"`
	PromptDir       string        `yaml:"prompt_dir"`
}

// Executors sizes the executor pool. Count executors serve any role;
// Roles adds dedicated executors per role.
type Executors struct {
	Count       int            `yaml:"count"`
	Roles       map[string]int `yaml:"roles"`
	StepTimeout time.Duration  `yaml:"step_timeout"`
}

// Supervisor holds heartbeat and restart policy.
type Supervisor struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	RestartCap        int           `yaml:"restart_cap"`
	RestartWindow     time.Duration `yaml:"restart_window"`
	RestoreEvents     int           `yaml:"restore_events"`
}

// Context configures the optimizer's budgets.
type Context struct {
	Budget     int    `yaml:"budget"`
	BudgetPool int    `yaml:"budget_pool"`
	Shares     Shares `yaml:"shares"`
	TopK       int    `yaml:"top_k"`
	// Corpus is a YAML file of context entries loaded at start.
	Corpus string `yaml:"corpus"`
}

// Shares are category percentages of the budget.
type Shares struct {
	Critical   int `yaml:"critical"`
	Supporting int `yaml:"supporting"`
	General    int `yaml:"general"`
}

// Review configures the reviewer's gate.
type Review struct {
	Timeout time.Duration `yaml:"timeout"`
	// Checks names builtin checks. Empty means all of them.
	Checks   []string       `yaml:"checks"`
	Commands []CheckCommand `yaml:"commands"`
}

// CheckCommand is an external command check. The output under review is
// written to its stdin.
type CheckCommand struct {
	Name        string        `yaml:"name"`
	Command     string        `yaml:"command"`
	Parser      string        `yaml:"parser"`
	Timeout     time.Duration `yaml:"timeout"`
	Dir         string        `yaml:"dir"`
	Fundamental bool          `yaml:"fundamental"`
}

// Evaluator selects the model backing executors and reviews.
type Evaluator struct {
	Kind    string `yaml:"kind"`
	Command string `yaml:"command"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`
	// Reply is the canned answer of the static evaluator.
	Reply     string  `yaml:"reply"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// Storage selects the event log backend.
type Storage struct {
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	DSN        string `yaml:"dsn"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// Peer configures event exchange with other nodes.
type Peer struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	Prefix         string        `yaml:"prefix"`
	RepairInterval time.Duration `yaml:"repair_interval"`
}

// Server configures the HTTP API.
type Server struct {
	Addr string `yaml:"addr"`
}

// Log configures structured logging.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Backends and evaluator kinds.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
	BackendMemory   = "memory"

	EvaluatorCommand = "command"
	EvaluatorOpenAI  = "openai"
	EvaluatorStatic  = "static"
)
