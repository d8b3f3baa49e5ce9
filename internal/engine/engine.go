// Package engine assembles the orchestration engine from configuration:
// storage, recovery, the four actor roles under one supervisor, periodic
// checkpoints and optional peer coordination.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/phasefactory/internal/actor"
	"github.com/lucasnoah/phasefactory/internal/checks"
	"github.com/lucasnoah/phasefactory/internal/config"
	appctx "github.com/lucasnoah/phasefactory/internal/context"
	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/executor"
	"github.com/lucasnoah/phasefactory/internal/journal"
	"github.com/lucasnoah/phasefactory/internal/llm"
	"github.com/lucasnoah/phasefactory/internal/optimizer"
	"github.com/lucasnoah/phasefactory/internal/orchestrator"
	"github.com/lucasnoah/phasefactory/internal/peer"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
	"github.com/lucasnoah/phasefactory/internal/prompt"
	"github.com/lucasnoah/phasefactory/internal/protocol"
	"github.com/lucasnoah/phasefactory/internal/queue"
	"github.com/lucasnoah/phasefactory/internal/recovery"
	"github.com/lucasnoah/phasefactory/internal/review"
	"github.com/lucasnoah/phasefactory/internal/supervisor"
)

// AskTimeout bounds a request to the orchestrator.
const AskTimeout = 10 * time.Second

// warmEvents is how far before a checkpoint recovery re-reads the log to
// prime restore history.
const warmEvents = 256

// Options overrides parts of the configured engine.
type Options struct {
	Logger *slog.Logger
	// Progress receives human-readable progress lines from the
	// orchestrator and executors.
	Progress io.Writer
	// Worker and Judge replace the configured model client for executors
	// and for the reviewer's evaluator.
	Worker llm.Client
	Judge  llm.Client
	// Storage replaces the configured backend.
	Storage events.Storage
	// Transport replaces the NATS peer transport and turns peer
	// coordination on.
	Transport peer.Transport
}

// Escalation is a problem the engine could not resolve on its own.
type Escalation struct {
	At      time.Time `json:"at"`
	Source  string    `json:"source"`
	AgentID string    `json:"agent_id,omitempty"`
	ItemID  string    `json:"item_id,omitempty"`
	Message string    `json:"message"`
}

// Engine is a recovered, wired engine. Run starts it.
type Engine struct {
	cfg       *config.Config
	logger    *slog.Logger
	log       *events.Log
	q         *queue.Queue
	sup       *supervisor.Supervisor
	orch      *actor.Ref
	cp        *recovery.Checkpointer
	coord     *peer.Coordinator
	nats      *peer.NATS
	journal   *journal.Journal
	recovered *recovery.Result

	mu          sync.Mutex
	escalations []Escalation
}

// Open opens storage, recovers state from the log and wires every actor.
// Nothing runs until Run.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{cfg: cfg, logger: logger}

	dataDir, err := DataDir(cfg)
	if err != nil {
		return nil, err
	}

	store := opts.Storage
	if store == nil {
		s, err := OpenStorage(ctx, cfg.Storage, dataDir, logger)
		if err != nil {
			return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
		}
		store = s
	}
	if j, ok := store.(*journal.Journal); ok {
		e.journal = j
	}
	e.log = events.NewLog(store, events.WithNode(cfg.Engine.NodeID), events.WithLogger(logger))

	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	// An in-memory log starts empty, so checkpoints on disk would describe
	// some other run.
	var cpStore *pipeline.CheckpointStore
	if cfg.Storage.Backend != config.BackendMemory && opts.Storage == nil {
		cpStore = pipeline.NewCheckpointStore(checkpointDir(dataDir, cfg.Engine.NodeID), cfg.Engine.CheckpointKeep)
	}
	res, err := recovery.Recover(ctx, e.log, recovery.Options{Store: cpStore, Warm: warmEvents, Logger: logger})
	if err != nil {
		return nil, err
	}
	e.recovered = res
	if cpStore != nil {
		cp, err := recovery.NewCheckpointer(e.log, cpStore, res, cfg.Engine.CheckpointEvery)
		if err != nil {
			return nil, err
		}
		e.cp = cp
	}
	e.q = queue.New(e.log, res.State, queue.Options{MaxAttempts: cfg.Engine.MaxAttempts, Logger: logger})

	if err := e.wire(opts); err != nil {
		return nil, err
	}

	transport := opts.Transport
	if transport == nil && cfg.Peer.Enabled {
		n, err := peer.DialNATS(cfg.Peer.URL, cfg.Peer.Prefix, cfg.Engine.NodeID, 5*time.Second)
		if err != nil {
			return nil, err
		}
		e.nats = n
		transport = n
	}
	if transport != nil {
		coord, err := peer.New(e.log, transport, peer.Options{
			RepairInterval: cfg.Peer.RepairInterval,
			Logger:         logger,
			Local: func(id string) bool {
				_, ok := e.q.View().Item(id)
				return ok
			},
		})
		if err != nil {
			return nil, err
		}
		e.coord = coord
	}

	ok = true
	return e, nil
}

func (e *Engine) wire(opts Options) error {
	cfg := e.cfg
	worker, judge := opts.Worker, opts.Judge
	if worker == nil || judge == nil {
		c, err := NewClient(cfg.Evaluator)
		if err != nil {
			return err
		}
		if worker == nil {
			worker = c
		}
		if judge == nil {
			judge = c
		}
	}

	corpus := appctx.NewCorpus()
	if cfg.Context.Corpus != "" {
		n, err := corpus.LoadYAML(cfg.Context.Corpus)
		if err != nil {
			return err
		}
		e.logger.Info("context corpus loaded", "path", cfg.Context.Corpus, "entries", n)
	}
	builder := appctx.NewBuilder(corpus, appctx.Options{
		Shares: appctx.Shares{
			Critical:   cfg.Context.Shares.Critical,
			Supporting: cfg.Context.Shares.Supporting,
			General:    cfg.Context.Shares.General,
		},
		TopK: cfg.Context.TopK,
	})
	gate, err := BuildChecks(cfg.Review)
	if err != nil {
		return err
	}
	prompts := prompt.Library{Dir: cfg.Engine.PromptDir}

	mailbox := cfg.Engine.MailboxSize
	e.orch = actor.NewRef("orchestrator", pipeline.RoleOrchestrator, 4*mailbox)
	optRef := actor.NewRef("optimizer", pipeline.RoleOptimizer, mailbox)
	revRef := actor.NewRef("reviewer", pipeline.RoleReviewer, mailbox)

	specs := []supervisor.ChildSpec{
		{ID: optRef.ID(), Role: pipeline.RoleOptimizer, Ref: optRef, New: func(protocol.Restore) actor.Actor {
			return optimizer.New(corpus, builder, cfg.Context.Budget)
		}},
		{ID: revRef.ID(), Role: pipeline.RoleReviewer, Ref: revRef, New: func(protocol.Restore) actor.Actor {
			return review.New(e.orch, optRef, review.Options{
				Checks:        gate,
				Evaluator:     llm.ClientEvaluator{Client: judge},
				Prompts:       prompts,
				Timeout:       cfg.Review.Timeout,
				KeepAlive:     cfg.Supervisor.HeartbeatInterval,
				ContextBudget: cfg.Context.Budget,
			})
		}},
	}

	var execs []orchestrator.Executor
	for _, slot := range executorSlots(cfg.Executors) {
		ref := actor.NewRef(slot.id, pipeline.RoleExecutor, mailbox)
		execs = append(execs, orchestrator.Executor{Ref: ref, Role: slot.role})
		specs = append(specs, supervisor.ChildSpec{ID: slot.id, Role: pipeline.RoleExecutor, Ref: ref, New: func(protocol.Restore) actor.Actor {
			x := executor.New(e.orch, optRef, executor.Options{
				Worker:      executor.LLMWorker{Client: worker},
				Prompts:     prompts,
				Budget:      cfg.Context.Budget,
				StepTimeout: cfg.Executors.StepTimeout,
				KeepAlive:   cfg.Supervisor.HeartbeatInterval,
			})
			if opts.Progress != nil {
				x.SetProgress(opts.Progress)
			}
			return x
		}})
	}

	specs = append(specs, supervisor.ChildSpec{
		ID: e.orch.ID(), Role: pipeline.RoleOrchestrator, Ref: e.orch, TickInterval: cfg.Engine.TickInterval,
		New: func(protocol.Restore) actor.Actor {
			o := orchestrator.New(e.q, revRef, optRef, execs, orchestrator.Options{
				StallTimeout: cfg.Engine.StallTimeout,
				Budget:       cfg.Context.Budget,
				BudgetPool:   cfg.Context.BudgetPool,
				MaxSubwork:   cfg.Engine.MaxSubwork,
				Escalate:     e.orchestratorEscalation,
			})
			if opts.Progress != nil {
				o.SetProgress(opts.Progress)
			}
			return o
		},
	})

	sup, err := supervisor.New(e.log, e.recovered.Registry, specs, supervisor.Options{
		HeartbeatInterval: cfg.Supervisor.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Supervisor.HeartbeatTimeout,
		RestartCap:        cfg.Supervisor.RestartCap,
		RestartWindow:     cfg.Supervisor.RestartWindow,
		RestoreEvents:     cfg.Supervisor.RestoreEvents,
		InFlight:          e.inFlight,
		Orchestrator:      e.orch,
		Logger:            e.logger,
	})
	if err != nil {
		return err
	}
	e.sup = sup
	return nil
}

type slot struct{ id, role string }

// executorSlots names the pool: exec-N for general executors, then
// exec-<role>-N for each dedicated role in name order.
func executorSlots(cfg config.Executors) []slot {
	var out []slot
	for i := range cfg.Count {
		out = append(out, slot{id: fmt.Sprintf("exec-%d", i+1)})
	}
	roles := make([]string, 0, len(cfg.Roles))
	for r := range cfg.Roles {
		roles = append(roles, r)
	}
	slices.Sort(roles)
	for _, r := range roles {
		for i := range cfg.Roles[r] {
			out = append(out, slot{id: fmt.Sprintf("exec-%s-%d", r, i+1), role: r})
		}
	}
	return out
}

func (e *Engine) inFlight(agent string) []string {
	return e.q.View().Assigned(agent)
}

// BuildChecks assembles the reviewer's gate: the named builtins (all of
// them when none are named) followed by the command checks.
func BuildChecks(cfg config.Review) ([]checks.Check, error) {
	list := checks.Builtin()
	if len(cfg.Checks) > 0 {
		named, err := checks.ByName(cfg.Checks)
		if err != nil {
			return nil, err
		}
		list = named
	}
	if len(cfg.Commands) > 0 {
		runner := checks.NewRunner(&checks.ExecRunner{})
		for _, c := range cfg.Commands {
			list = append(list, runner.Command(checks.CommandConfig{
				Name: c.Name, Command: c.Command, Parser: c.Parser, Timeout: c.Timeout, Dir: c.Dir,
			}, c.Fundamental))
		}
	}
	return list, nil
}

// NewClient builds the configured model client, rate limited when a limit
// is set.
func NewClient(cfg config.Evaluator) (llm.Client, error) {
	var c llm.Client
	switch cfg.Kind {
	case config.EvaluatorCommand:
		c = llm.NewCommandClient(cfg.Command, cfg.Model)
	case config.EvaluatorOpenAI:
		oc, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  os.Getenv(cfg.APIKeyEnv),
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
		if err != nil {
			return nil, err
		}
		c = oc
	case config.EvaluatorStatic:
		c = &llm.StaticClient{Reply: cfg.Reply}
	default:
		return nil, fmt.Errorf("unknown evaluator kind %q", cfg.Kind)
	}
	if cfg.RateLimit > 0 {
		c = llm.NewLimited(c, cfg.RateLimit, cfg.Burst)
	}
	return c, nil
}

// Run starts the supervisor and the engine's background loops. It returns
// when ctx is done or when something fatal happens.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.sup.Run(ctx) })
	g.Go(func() error {
		e.watchEscalations(ctx)
		return nil
	})
	if e.cp != nil {
		g.Go(func() error {
			e.checkpointLoop(ctx)
			return nil
		})
	}
	if e.coord != nil {
		g.Go(func() error { return e.coord.Run(ctx) })
	}
	if e.journal != nil {
		g.Go(func() error {
			e.gcLoop(ctx)
			return nil
		})
	}
	e.logger.Info("engine running",
		"node", e.cfg.Engine.NodeID,
		"backend", e.cfg.Storage.Backend,
		"items", e.q.View().Len(),
		"last_seq", e.recovered.LastSeq)
	return g.Wait()
}

func (e *Engine) watchEscalations(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case esc := <-e.sup.Escalations():
			e.record(Escalation{At: esc.At, Source: "supervisor", AgentID: esc.AgentID, Message: esc.Error()})
		}
	}
}

func (e *Engine) orchestratorEscalation(err error) {
	esc := Escalation{At: time.Now(), Source: "orchestrator", Message: err.Error()}
	var oe *orchestrator.Escalation
	if errors.As(err, &oe) {
		esc.ItemID = oe.ItemID
	}
	e.record(esc)
}

// maxEscalations caps the kept history.
const maxEscalations = 100

func (e *Engine) record(esc Escalation) {
	e.logger.Warn("escalation", "source", esc.Source, "agent", esc.AgentID, "item", esc.ItemID, "message", esc.Message)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.escalations = append(e.escalations, esc)
	if len(e.escalations) > maxEscalations {
		e.escalations = slices.Delete(e.escalations, 0, len(e.escalations)-maxEscalations)
	}
}

func (e *Engine) checkpointLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Engine.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Flush what the log holds now so the next start replays less.
			flush, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if _, err := e.cp.Sync(flush); err != nil {
				e.logger.Error("final checkpoint sync failed", "error", err)
				return
			}
			if err := e.cp.Save(); err != nil {
				e.logger.Error("final checkpoint failed", "error", err)
			}
			return
		case <-ticker.C:
			saved, err := e.cp.Sync(ctx)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Error("checkpoint sync failed", "error", err)
				}
				continue
			}
			if saved {
				e.logger.Debug("checkpoint saved", "seq", e.cp.Seq())
			}
		}
	}
}

func (e *Engine) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.journal.RunGC(0.5); err != nil {
				e.logger.Warn("journal value log gc failed", "error", err)
			}
		}
	}
}

// Close releases the peer connection and storage.
func (e *Engine) Close() error {
	if e.nats != nil {
		e.nats.Close()
	}
	return e.log.Close()
}

// SubmitPlan admits a plan through the orchestrator.
func (e *Engine) SubmitPlan(ctx context.Context, p queue.Plan) (queue.PlanResult, error) {
	reply := actor.NewReply[queue.PlanResult]()
	return actor.Ask(ctx, e.orch, protocol.SubmitPlan{Plan: p, Reply: reply}, reply, AskTimeout)
}

// Status returns the items of one plan, or every item when planID is
// empty.
func (e *Engine) Status(ctx context.Context, planID string) ([]pipeline.WorkItem, error) {
	reply := actor.NewReply[[]pipeline.WorkItem]()
	items, err := actor.Ask(ctx, e.orch, protocol.Status{PlanID: planID, Reply: reply}, reply, AskTimeout)
	if err != nil {
		return nil, err
	}
	if planID != "" && len(items) == 0 {
		return nil, fmt.Errorf("plan %s: %w", planID, pipeline.ErrNotFound)
	}
	return items, nil
}

// Command applies an external cancel, reopen, retry or unblock.
func (e *Engine) Command(ctx context.Context, op protocol.CommandOp, id, reason string) error {
	reply := actor.NewReply[struct{}]()
	_, err := actor.Ask(ctx, e.orch, protocol.Command{Op: op, ItemID: id, Reason: reason, Reply: reply}, reply, AskTimeout)
	return err
}

// Item reads one item from the published view, without waiting on the
// orchestrator.
func (e *Engine) Item(id string) (pipeline.WorkItem, error) {
	w, ok := e.q.View().Item(id)
	if !ok {
		return w, fmt.Errorf("item %s: %w", id, pipeline.ErrNotFound)
	}
	return w, nil
}

func (e *Engine) Items() []pipeline.WorkItem { return e.q.View().Items() }

func (e *Engine) Agents() []supervisor.Handle { return e.sup.Registry().Handles() }

// Escalations returns the recent escalations, oldest first.
func (e *Engine) Escalations() []Escalation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.escalations)
}

// Peers returns the peer views, or nil when coordination is off.
func (e *Engine) Peers() []peer.View {
	if e.coord == nil {
		return nil
	}
	return e.coord.Views()
}

// PeerEvents returns events mirrored from origin after origin_seq.
func (e *Engine) PeerEvents(origin string, after uint64) ([]events.Event, error) {
	if e.coord == nil {
		return nil, fmt.Errorf("peer %s: %w", origin, pipeline.ErrNotFound)
	}
	return e.coord.Events(origin, after)
}

func (e *Engine) Log() *events.Log { return e.log }

func (e *Engine) Node() string { return e.cfg.Engine.NodeID }

// Recovered describes the recovery that built this engine.
func (e *Engine) Recovered() *recovery.Result { return e.recovered }

// Replay rebuilds state from the configured storage without starting any
// actor. It reads the whole log and ignores checkpoints, so the result
// also checks that the log folds cleanly from the beginning.
func Replay(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*recovery.Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dataDir, err := DataDir(cfg)
	if err != nil {
		return nil, err
	}
	store, err := OpenStorage(ctx, cfg.Storage, dataDir, logger)
	if err != nil {
		return nil, err
	}
	log := events.NewLog(store, events.WithNode(cfg.Engine.NodeID), events.WithLogger(logger))
	defer log.Close()
	return recovery.Recover(ctx, log, recovery.Options{Logger: logger})
}
