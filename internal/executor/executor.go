// Package executor is the Executor actor: it carries one assigned item
// through its current phase as a sequence of steps.
package executor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/lucasnoah/phasefactory/internal/actor"
	appctx "github.com/lucasnoah/phasefactory/internal/context"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
	"github.com/lucasnoah/phasefactory/internal/prompt"
	"github.com/lucasnoah/phasefactory/internal/protocol"
	"github.com/lucasnoah/phasefactory/internal/queue"
)

// Options configures an Executor.
type Options struct {
	Worker  Worker
	Prompts prompt.Library
	// Budget is the context budget asked for when Execute carries none.
	Budget int
	// StepTimeout bounds one step. Default 10m.
	StepTimeout time.Duration
	AskTimeout  time.Duration
	KeepAlive   time.Duration
}

// Executor runs phase work for items the orchestrator assigns to it.
type Executor struct {
	opts         Options
	orchestrator *actor.Ref
	optimizer    *actor.Ref
	progress     io.Writer
}

// New creates an Executor reporting to orchestrator and asking optimizer
// for context.
func New(orchestrator, optimizer *actor.Ref, opts Options) *Executor {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 10 * time.Minute
	}
	if opts.AskTimeout <= 0 {
		opts.AskTimeout = 5 * time.Second
	}
	return &Executor{opts: opts, orchestrator: orchestrator, optimizer: optimizer}
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (e *Executor) SetProgress(w io.Writer) {
	e.progress = w
}

// logf prints a progress line if a progress writer is configured.
func (e *Executor) logf(format string, args ...any) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, "  → "+format+"\n", args...)
	}
}

func (e *Executor) Receive(c *actor.Context, msg any) error {
	switch m := msg.(type) {
	case protocol.Execute:
		return e.execute(c, m)
	case protocol.Cancel:
		// Nothing running for it; the item finished or was never started.
		c.Logger.Debug("cancel for idle item", "item", m.ItemID)
	case protocol.Restore:
		// Work in flight when the previous run died is lost.
		for _, id := range m.InFlight {
			if err := e.report(c, protocol.Report{Kind: protocol.ReportAborted, ItemID: id, Restarted: true,
				Note: fmt.Sprintf("executor restarted (restart %d)", m.Restart)}); err != nil {
				return err
			}
		}
	default:
		c.Logger.Warn("executor ignoring message", "type", fmt.Sprintf("%T", msg))
	}
	return nil
}

func (e *Executor) report(c *actor.Context, r protocol.Report) error {
	r.Agent = c.Self.ID()
	return e.orchestrator.Tell(c, r)
}

func (e *Executor) execute(c *actor.Context, m protocol.Execute) error {
	w := m.Item
	start := time.Now()
	e.logf("%s: %s (attempt %d)", w.ID, w.Phase, w.AttemptCount+1)
	log := c.Logger.With("item", w.ID, "phase", w.Phase)

	fail := func(reason string) error {
		log.Warn("phase work failed", "reason", reason)
		e.logf("%s: failed: %s", w.ID, reason)
		return e.report(c, protocol.Report{Kind: protocol.ReportFailed, ItemID: w.ID, Note: reason})
	}

	if err := e.report(c, protocol.Report{Kind: protocol.ReportProgress, ItemID: w.ID, Note: "started"}); err != nil {
		return err
	}

	payload, err := e.context(c, w, m.Budget)
	if err != nil {
		return fail("context unavailable: " + err.Error())
	}
	text, err := e.opts.Prompts.ForPhase(w.Phase, payload.Vars)
	if err != nil {
		return fail(err.Error())
	}

	env := &Env{Item: w, Context: payload, Prompt: text, Output: w.Output}
	env.Spawn = func(ctx context.Context, req queue.SubmitRequest) (string, error) {
		return e.spawn(ctx, c, w.ID, req)
	}
	steps, err := e.opts.Worker.Steps(env)
	if err != nil {
		return fail(err.Error())
	}

	for i, st := range steps {
		if reason, ok := e.cancelled(c, w.ID); ok {
			log.Info("phase work cancelled", "reason", reason, "step", st.Name)
			e.logf("%s: cancelled before %s", w.ID, st.Name)
			return e.report(c, protocol.Report{Kind: protocol.ReportAborted, ItemID: w.ID, Note: reason})
		}
		if err := e.step(c, st, env); err != nil {
			return fail(fmt.Sprintf("step %s: %v", st.Name, err))
		}
		note := fmt.Sprintf("step %d/%d %s done", i+1, len(steps), st.Name)
		e.logf("%s: %s", w.ID, note)
		if err := e.report(c, protocol.Report{Kind: protocol.ReportProgress, ItemID: w.ID, Note: note}); err != nil {
			return err
		}
	}
	if reason, ok := e.cancelled(c, w.ID); ok {
		return e.report(c, protocol.Report{Kind: protocol.ReportAborted, ItemID: w.ID, Note: reason})
	}

	log.Info("phase work done", "duration", time.Since(start).Round(time.Millisecond), "bytes", len(env.Output))
	return e.report(c, protocol.Report{Kind: protocol.ReportDone, ItemID: w.ID, Output: env.Output})
}

func (e *Executor) step(c *actor.Context, st Step, env *Env) error {
	ctx, cancel := context.WithTimeout(c, e.opts.StepTimeout)
	defer cancel()
	stop := c.KeepAlive(e.opts.KeepAlive)
	defer stop()
	return st.Run(ctx, env)
}

// cancelled drains the mailbox looking for a Cancel for id. Anything else
// is deferred until the current item is done.
func (e *Executor) cancelled(c *actor.Context, id string) (string, bool) {
	for {
		msg, ok := c.Poll()
		if !ok {
			return "", false
		}
		if cm, isCancel := msg.(protocol.Cancel); isCancel && cm.ItemID == id {
			return cm.Reason, true
		}
		c.Defer(msg)
	}
}

func (e *Executor) context(c *actor.Context, w pipeline.WorkItem, budget int) (appctx.Payload, error) {
	if budget <= 0 {
		budget = e.opts.Budget
	}
	reply := actor.NewReply[appctx.Payload]()
	return actor.Ask(c, e.optimizer, protocol.BuildContext{Item: w, Budget: budget, Reply: reply}, reply, e.opts.AskTimeout)
}

func (e *Executor) spawn(ctx context.Context, c *actor.Context, parent string, req queue.SubmitRequest) (string, error) {
	reply := actor.NewReply[string]()
	id, err := actor.Ask(ctx, e.orchestrator, protocol.SpawnRequest{
		Parent: parent, Agent: c.Self.ID(), Item: req, Reply: reply,
	}, reply, e.opts.AskTimeout)
	if err != nil {
		return "", err
	}
	e.logf("%s: spawned %s", parent, id)
	return id, nil
}
