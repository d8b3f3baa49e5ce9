// Package optimizer is the actor that owns the context corpus: it builds
// budgeted context payloads, supplies context-sufficiency exit criteria to
// the reviewer and learns from completed work.
package optimizer

import (
	"fmt"
	"strings"

	"github.com/lucasnoah/phasefactory/internal/actor"
	appctx "github.com/lucasnoah/phasefactory/internal/context"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
	"github.com/lucasnoah/phasefactory/internal/protocol"
)

// Optimizer answers BuildContext, ExitCriteria and Learn messages.
type Optimizer struct {
	corpus *appctx.Corpus
	build  *appctx.Builder
	budget int
}

// New creates the actor. budget is used when a request does not name one.
func New(corpus *appctx.Corpus, builder *appctx.Builder, budget int) *Optimizer {
	return &Optimizer{corpus: corpus, build: builder, budget: budget}
}

func (o *Optimizer) Receive(c *actor.Context, msg any) error {
	switch m := msg.(type) {
	case protocol.BuildContext:
		budget := m.Budget
		if budget <= 0 {
			budget = o.budget
		}
		p := o.build.Build(m.Item, budget)
		if len(p.Evicted) > 0 {
			c.Logger.Debug("context evicted entries", "item", m.Item.ID, "evicted", len(p.Evicted), "used", p.Used, "budget", budget)
		}
		m.Reply.Send(p, nil)
	case protocol.ExitCriteria:
		m.Reply.Send(o.criteria(m.Item), nil)
	case protocol.Learn:
		if err := o.corpus.Learn(m.Item); err != nil {
			c.Logger.Warn("learn from item failed", "item", m.Item.ID, "error", err)
		}
	case protocol.Restore:
		c.Logger.Info("optimizer restarted", "restart", m.Restart, "corpus", o.corpus.Len())
	default:
		c.Logger.Warn("optimizer ignoring message", "type", fmt.Sprintf("%T", msg))
	}
	return nil
}

// criteria are the phase exit predicates about context sufficiency.
func (o *Optimizer) criteria(w pipeline.WorkItem) []protocol.CriterionResult {
	p := o.build.Build(w, o.budget)
	var out []protocol.CriterionResult

	crit := protocol.CriterionResult{Name: "critical_context_fits", Passed: true}
	for _, id := range p.Evicted {
		if strings.HasPrefix(id, w.ID+"/") {
			crit.Passed = false
			crit.Detail = fmt.Sprintf("item history %s does not fit the context budget of %d", id, o.budget)
			break
		}
	}
	out = append(out, crit)

	if w.Phase == pipeline.PhasePlanToArtifacts && len(w.Keywords) > 0 {
		kw := protocol.CriterionResult{Name: "keywords_covered", Passed: true}
		lower := strings.ToLower(w.Output)
		var missing []string
		for _, k := range w.Keywords {
			if !strings.Contains(lower, strings.ToLower(k)) {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			kw.Passed = false
			kw.Detail = "output never mentions " + strings.Join(missing, ", ")
		}
		out = append(out, kw)
	}
	return out
}
