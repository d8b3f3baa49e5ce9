// Package review is the Reviewer actor: the quality gate between phases.
package review

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/phasefactory/internal/actor"
	"github.com/lucasnoah/phasefactory/internal/checks"
	appctx "github.com/lucasnoah/phasefactory/internal/context"
	"github.com/lucasnoah/phasefactory/internal/llm"
	"github.com/lucasnoah/phasefactory/internal/metrics"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
	"github.com/lucasnoah/phasefactory/internal/prompt"
	"github.com/lucasnoah/phasefactory/internal/protocol"
)

// Options configures a Reviewer.
type Options struct {
	Checks    []checks.Check
	Evaluator llm.Evaluator
	Prompts   prompt.Library
	// Timeout bounds one evaluator call. Default 2m.
	Timeout time.Duration
	// AskTimeout bounds the exit-criteria request to the optimizer.
	AskTimeout time.Duration
	// KeepAlive is the heartbeat interval while waiting on the evaluator.
	KeepAlive time.Duration
	// ContextBudget is the budget for the context summary in the prompt.
	ContextBudget int
}

// Reviewer judges phase outputs. Approvals are cached by (item, phase,
// output digest) so a repeated request returns the same verdict.
type Reviewer struct {
	opts         Options
	orchestrator *actor.Ref
	optimizer    *actor.Ref
	approved     map[string]protocol.Verdict
}

// New creates a Reviewer that answers to orchestrator. optimizer may be
// nil, in which case no exit criteria are folded in.
func New(orchestrator, optimizer *actor.Ref, opts Options) *Reviewer {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.AskTimeout <= 0 {
		opts.AskTimeout = 5 * time.Second
	}
	if opts.Checks == nil {
		opts.Checks = checks.Builtin()
	}
	return &Reviewer{
		opts:         opts,
		orchestrator: orchestrator,
		optimizer:    optimizer,
		approved:     make(map[string]protocol.Verdict),
	}
}

// Digest identifies a phase output.
func Digest(w pipeline.WorkItem) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", w.ID, w.Phase, w.Output)
	return hex.EncodeToString(h.Sum(nil))
}

func cacheKey(w pipeline.WorkItem, digest string) string {
	return w.ID + "|" + w.Phase.String() + "|" + digest
}

func (r *Reviewer) Receive(c *actor.Context, msg any) error {
	switch m := msg.(type) {
	case protocol.ReviewRequest:
		v := r.Review(c, m.Item)
		return r.orchestrator.Tell(c, protocol.ReviewResult{Verdict: v, By: pipeline.RoleReviewer})
	case protocol.Restore:
		c.Logger.Info("reviewer restarted", "restart", m.Restart)
	default:
		c.Logger.Warn("reviewer ignoring message", "type", fmt.Sprintf("%T", msg))
	}
	return nil
}

// Review produces a verdict for item's current phase output. It never
// fails: evaluator trouble becomes a minor rejection.
func (r *Reviewer) Review(c *actor.Context, w pipeline.WorkItem) protocol.Verdict {
	digest := Digest(w)
	key := cacheKey(w, digest)
	if v, ok := r.approved[key]; ok {
		v.Cached = true
		return v
	}

	v := protocol.Verdict{ItemID: w.ID, Phase: w.Phase, Digest: digest}
	defer func() {
		outcome := "reject"
		switch {
		case v.Approve:
			outcome = "approve"
		case v.Fundamental:
			outcome = "reject_fundamental"
		}
		metrics.Verdicts.WithLabelValues(w.Phase.String(), outcome).Inc()
		c.Logger.Info("review verdict", "item", w.ID, "phase", w.Phase, "approve", v.Approve,
			"fundamental", v.Fundamental, "reasons", len(v.Reasons))
	}()

	exit := r.exitCriteria(c, w)

	ev, err := r.evaluate(c, w)
	if err != nil {
		c.Logger.Warn("evaluator failed", "item", w.ID, "phase", w.Phase, "error", err)
		v.Reasons = []string{"evaluator unavailable: " + err.Error()}
		return v
	}

	gate := checks.RunGate(c, r.opts.Checks, checks.Input{Item: w, Evaluation: &ev, Exit: exit})
	v.Approve = gate.Passed
	if !gate.Passed {
		v.Reasons = gate.Reasons()
		v.Fundamental = gate.Fundamental()
		return v
	}
	r.approved[key] = v
	return v
}

func (r *Reviewer) exitCriteria(c *actor.Context, w pipeline.WorkItem) []checks.Criterion {
	if r.optimizer == nil {
		return nil
	}
	reply := actor.NewReply[[]protocol.CriterionResult]()
	res, err := actor.Ask(c, r.optimizer, protocol.ExitCriteria{Item: w, Reply: reply}, reply, r.opts.AskTimeout)
	if err != nil {
		c.Logger.Warn("exit criteria unavailable, reviewing without them", "item", w.ID, "error", err)
		return nil
	}
	out := make([]checks.Criterion, 0, len(res))
	for _, cr := range res {
		out = append(out, checks.Criterion{Name: cr.Name, Passed: cr.Passed, Fundamental: cr.Fundamental, Detail: cr.Detail})
	}
	return out
}

func (r *Reviewer) evaluate(c *actor.Context, w pipeline.WorkItem) (llm.Evaluation, error) {
	if r.opts.Evaluator == nil {
		return llm.Evaluation{}, fmt.Errorf("no evaluator configured")
	}
	vars := r.vars(c, w)
	text, err := r.opts.Prompts.Render(prompt.ReviewTemplate, vars)
	if err != nil {
		return llm.Evaluation{}, err
	}

	ctx, cancel := context.WithTimeout(c, r.opts.Timeout)
	defer cancel()
	stop := c.KeepAlive(r.opts.KeepAlive)
	defer stop()
	return r.opts.Evaluator.Evaluate(ctx, text)
}

func (r *Reviewer) vars(c *actor.Context, w pipeline.WorkItem) prompt.Vars {
	v := prompt.Vars{
		"item_id": w.ID,
		"phase":   w.Phase.String(),
		"spec":    string(w.Spec),
		"output":  w.Output,
	}
	if len(w.SuccessCriteria) > 0 {
		v["success_criteria"] = "- " + strings.Join(w.SuccessCriteria, "\n- ")
	}
	if n := len(w.ReviewFeedback); n > 0 {
		v["review_feedback"] = w.ReviewFeedback[n-1].Reason
	}
	if r.optimizer != nil && r.opts.ContextBudget > 0 {
		reply := actor.NewReply[appctx.Payload]()
		p, err := actor.Ask(c, r.optimizer, protocol.BuildContext{Item: w, Budget: r.opts.ContextBudget, Reply: reply}, reply, r.opts.AskTimeout)
		if err == nil && p.Vars["context"] != "" {
			v["spec"] = v["spec"] + "\n\n" + p.Vars["context"]
		}
	}
	return v
}
