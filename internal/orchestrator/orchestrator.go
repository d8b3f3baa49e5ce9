// Package orchestrator is the Orchestrator actor. It is the only writer of
// the work queue: it schedules ready items onto executors, routes finished
// work to the reviewer, applies verdicts and watches for stalls.
package orchestrator

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/lucasnoah/phasefactory/internal/actor"
	"github.com/lucasnoah/phasefactory/internal/metrics"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
	"github.com/lucasnoah/phasefactory/internal/protocol"
	"github.com/lucasnoah/phasefactory/internal/queue"
)

// stallPrefix starts the BlockedReason of items parked by the stall sweep.
// Such items are reassigned automatically; other Blocked items wait for an
// operator.
const stallPrefix = "stalled: "

// Options configures an Orchestrator.
type Options struct {
	// StallTimeout is how long an active item may go without progress.
	// Default 5m.
	StallTimeout time.Duration
	// Budget is the context budget handed to each Execute.
	Budget int
	// BudgetPool caps the budget reserved by active items and outstanding
	// sub-work together. Zero means no cap.
	BudgetPool int
	// MaxSubwork caps the sub-items one parent may spawn. Default 8.
	MaxSubwork int
	// Escalate receives problems no restart can fix, such as work for a
	// role no executor serves. Optional.
	Escalate func(error)
	Now      func() time.Time
}

// Executor describes one executor the orchestrator may assign work to.
type Executor struct {
	Ref  *actor.Ref
	Role string
}

// Escalation reports an item that cannot be scheduled.
type Escalation struct {
	ItemID string
	Role   string
	Reason string
}

func (e *Escalation) Error() string {
	return fmt.Sprintf("item %s (role %q): %s", e.ItemID, e.Role, e.Reason)
}

type slot struct {
	ref    *actor.Ref
	role   string
	down   bool
	failed bool
}

// Orchestrator owns the work queue.
type Orchestrator struct {
	q         *queue.Queue
	opts      Options
	reviewer  *actor.Ref
	optimizer *actor.Ref
	slots     map[string]*slot
	order     []string
	progress  io.Writer

	// Transient bookkeeping. All of it can be lost on restart: the queue
	// holds the durable truth and the tick re-derives what it needs.
	reviewing     map[string]bool
	pendingCancel map[string]string
	// stalled maps a stalled item to the executor it stalled on; draining
	// maps that executor back to the item until it answers the Cancel.
	stalled   map[string]string
	draining  map[string]string
	escalated map[string]bool
}

// New creates an Orchestrator over q. The queue, not the actor, holds the
// durable state, so a restarted orchestrator is built over the same queue.
func New(q *queue.Queue, reviewer, optimizer *actor.Ref, executors []Executor, opts Options) *Orchestrator {
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 5 * time.Minute
	}
	if opts.MaxSubwork <= 0 {
		opts.MaxSubwork = 8
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	o := &Orchestrator{
		q:             q,
		opts:          opts,
		reviewer:      reviewer,
		optimizer:     optimizer,
		slots:         make(map[string]*slot, len(executors)),
		reviewing:     make(map[string]bool),
		pendingCancel: make(map[string]string),
		stalled:       make(map[string]string),
		draining:      make(map[string]string),
		escalated:     make(map[string]bool),
	}
	for _, e := range executors {
		o.slots[e.Ref.ID()] = &slot{ref: e.Ref, role: e.Role}
		o.order = append(o.order, e.Ref.ID())
	}
	return o
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (o *Orchestrator) SetProgress(w io.Writer) {
	o.progress = w
}

// logf prints a progress line if a progress writer is configured.
func (o *Orchestrator) logf(format string, args ...any) {
	if o.progress != nil {
		fmt.Fprintf(o.progress, "  → "+format+"\n", args...)
	}
}

// Start picks up items parked by an earlier run's stall sweep.
func (o *Orchestrator) Start(c *actor.Context) error {
	for _, w := range o.q.Items() {
		if w.State == pipeline.StateBlocked && strings.HasPrefix(w.BlockedReason, stallPrefix) {
			o.stalled[w.ID] = ""
		}
	}
	return nil
}

func (o *Orchestrator) Receive(c *actor.Context, msg any) error {
	var err error
	switch m := msg.(type) {
	case protocol.Report:
		err = o.onReport(c, m)
	case protocol.ReviewResult:
		err = o.onVerdict(c, m)
	case protocol.SpawnRequest:
		id, serr := o.spawn(c, m)
		m.Reply.Send(id, serr)
		if serr != nil {
			return o.local(c, serr)
		}
		err = o.schedule(c)
	case protocol.SubmitPlan:
		res, serr := o.q.SubmitPlan(c, m.Plan)
		m.Reply.Send(res, serr)
		if serr != nil {
			if !pipeline.IsItemLocal(serr) {
				return serr
			}
			return nil
		}
		c.Logger.Info("plan admitted", "plan", res.PlanID, "items", len(res.IDs))
		o.logf("plan %s: %d items", res.PlanID, len(res.IDs))
		return o.schedule(c)
	case protocol.Status:
		if m.PlanID == "" {
			m.Reply.Send(o.q.Items(), nil)
		} else {
			m.Reply.Send(o.q.Plan(m.PlanID), nil)
		}
	case protocol.Command:
		cerr := o.command(c, m)
		m.Reply.Send(struct{}{}, cerr)
		if cerr != nil && !pipeline.IsItemLocal(cerr) {
			return cerr
		}
		return o.schedule(c)
	case protocol.AgentDown:
		err = o.agentDown(c, m)
	case protocol.AgentUp:
		o.agentUp(c, m)
	case protocol.Restore:
		c.Logger.Info("orchestrator restarted", "restart", m.Restart)
	default:
		c.Logger.Warn("orchestrator ignoring message", "type", fmt.Sprintf("%T", msg))
	}
	return o.local(c, err)
}

// local logs item-local errors and passes everything else on as a crash.
func (o *Orchestrator) local(c *actor.Context, err error) error {
	if err == nil {
		return nil
	}
	if pipeline.IsItemLocal(err) {
		c.Logger.Warn("item-local error", "error", err)
		return nil
	}
	return err
}

// Tick runs one scheduling round: stall sweep, deferred rollbacks,
// reviews and approvals that were lost, then assignment.
func (o *Orchestrator) Tick(c *actor.Context) error {
	if err := o.sweepStalls(c); err != nil {
		return err
	}
	items := o.q.Items()
	for _, w := range items {
		switch {
		case w.State == pipeline.StateBlocked && w.RollbackPending:
			done, err := o.q.ApplyDeferredRollback(c, w.ID)
			if err := o.local(c, err); err != nil {
				return err
			}
			if done {
				c.Logger.Info("deferred rollback applied", "item", w.ID, "from", w.Phase)
				o.logf("%s: rolled back from %s", w.ID, w.Phase)
			}
		case w.State == pipeline.StateComplete && w.Phase != pipeline.PhaseComplete:
			if w.Approved() {
				// Approved before a crash but never advanced.
				if err := o.local(c, o.q.Advance(c, w.ID)); err != nil {
					return err
				}
			} else if !o.reviewing[w.ID] {
				o.requestReview(c, w)
			}
		}
	}
	return o.schedule(c)
}

func (o *Orchestrator) sweepStalls(c *actor.Context) error {
	now := o.opts.Now()
	for _, w := range o.q.Items() {
		if !w.State.Active() || o.pendingCancel[w.ID] != "" {
			continue
		}
		idle := now.Sub(w.LastActivity())
		if idle <= o.opts.StallTimeout {
			continue
		}
		reason := fmt.Sprintf("%sno progress from %s for %s", stallPrefix, w.AssignedAgent, idle.Round(time.Second))
		agent, err := o.q.Stall(c, w.ID, reason)
		if err := o.local(c, err); err != nil {
			return err
		}
		if err != nil {
			continue
		}
		metrics.Stalls.Inc()
		c.Logger.Warn("item stalled", "item", w.ID, "agent", agent, "idle", idle)
		o.logf("%s: stalled on %s", w.ID, agent)
		o.stalled[w.ID] = agent
		if s, ok := o.slots[agent]; ok {
			o.draining[agent] = w.ID
			if !s.ref.TryTell(protocol.Cancel{ItemID: w.ID, Reason: "stalled"}) {
				c.Logger.Warn("executor mailbox full, stall cancel dropped", "agent", agent)
			}
		}
	}
	return nil
}

// schedule assigns ready and stalled items to idle executors in schedule
// order. A stalled item only goes to an executor other than the one it
// stalled on.
func (o *Orchestrator) schedule(c *actor.Context) error {
	busy := make(map[string]bool)
	active := 0
	for _, w := range o.q.Items() {
		if w.State.Active() {
			busy[w.AssignedAgent] = true
			active++
		}
	}
	for agent := range o.draining {
		busy[agent] = true
	}

	var cands []*pipeline.WorkItem
	for id := range o.q.ReadySet() {
		if w, err := o.q.Item(id); err == nil {
			cands = append(cands, &w)
		}
	}
	for id := range o.stalled {
		w, err := o.q.Item(id)
		if err != nil || w.State != pipeline.StateBlocked || !strings.HasPrefix(w.BlockedReason, stallPrefix) {
			delete(o.stalled, id)
			continue
		}
		cands = append(cands, &w)
	}
	slices.SortFunc(cands, queue.CompareSchedule)

	for _, w := range cands {
		if o.opts.BudgetPool > 0 && (active+1)*o.opts.Budget > o.opts.BudgetPool {
			break
		}
		stalledOn, isStalled := o.stalled[w.ID]
		agent, served := o.pick(w.Role, busy, stalledOn)
		if !served {
			o.escalate(c, w)
			continue
		}
		if agent == "" {
			continue
		}
		if isStalled {
			if err := o.q.Unblock(c, w.ID, "reassigned after stall", pipeline.RoleOrchestrator); err != nil {
				if err := o.local(c, err); err != nil {
					return err
				}
				continue
			}
			delete(o.stalled, w.ID)
		}
		if err := o.assign(c, w.ID, agent); err != nil {
			return err
		}
		busy[agent] = true
		active++
	}
	return nil
}

// pick returns an idle executor for role. served is false when no live
// executor serves the role at all.
func (o *Orchestrator) pick(role string, busy map[string]bool, exclude string) (agent string, served bool) {
	for _, id := range o.order {
		s := o.slots[id]
		if s.failed || (role != "" && s.role != role) {
			continue
		}
		served = true
		if s.down || busy[id] || id == exclude {
			continue
		}
		return id, true
	}
	return "", served
}

func (o *Orchestrator) escalate(c *actor.Context, w *pipeline.WorkItem) {
	if o.escalated[w.ID] {
		return
	}
	o.escalated[w.ID] = true
	esc := &Escalation{ItemID: w.ID, Role: w.Role, Reason: "no executor serves this role"}
	c.Logger.Error("cannot schedule item", "item", w.ID, "role", w.Role)
	if o.opts.Escalate != nil {
		o.opts.Escalate(esc)
	}
}

func (o *Orchestrator) assign(c *actor.Context, id, agent string) error {
	if err := o.q.Assign(c, id, agent); err != nil {
		return o.local(c, err)
	}
	w, err := o.q.Item(id)
	if err != nil {
		return o.local(c, err)
	}
	delete(o.escalated, id)
	if !o.slots[agent].ref.TryTell(protocol.Execute{Item: w, Budget: o.opts.Budget}) {
		c.Logger.Warn("executor mailbox full", "agent", agent, "item", id)
		return o.local(c, o.q.Fail(c, id, agent, "executor mailbox full"))
	}
	c.Logger.Info("item assigned", "item", id, "agent", agent, "phase", w.Phase)
	o.logf("%s: %s → %s", id, w.Phase, agent)
	return nil
}

func (o *Orchestrator) onReport(c *actor.Context, r protocol.Report) error {
	if item, ok := o.draining[r.Agent]; ok && item == r.ItemID {
		if r.Kind != protocol.ReportProgress {
			delete(o.draining, r.Agent)
			c.Logger.Info("stalled executor answered", "agent", r.Agent, "item", r.ItemID, "report", r.Kind)
			return o.schedule(c)
		}
		return nil
	}

	switch r.Kind {
	case protocol.ReportProgress:
		return o.q.RecordProgress(c, r.ItemID, r.Agent, r.Note)

	case protocol.ReportDone:
		if _, ok := o.pendingCancel[r.ItemID]; ok {
			return o.aborted(c, r)
		}
		if err := o.q.Complete(c, r.ItemID, r.Agent, r.Output); err != nil {
			return err
		}
		w, err := o.q.Item(r.ItemID)
		if err != nil {
			return err
		}
		o.logf("%s: %s done, reviewing", w.ID, w.Phase)
		o.requestReview(c, w)

	case protocol.ReportFailed:
		if _, ok := o.pendingCancel[r.ItemID]; ok {
			return o.aborted(c, r)
		}
		if err := o.q.Fail(c, r.ItemID, r.Agent, r.Note); err != nil {
			return err
		}
		o.logf("%s: failed: %s", r.ItemID, r.Note)

	case protocol.ReportAborted:
		if r.Restarted {
			// The executor died mid-item. That costs an attempt.
			if err := o.q.Fail(c, r.ItemID, r.Agent, r.Note); err != nil {
				return err
			}
		} else if err := o.aborted(c, r); err != nil {
			return err
		}
	}
	return o.schedule(c)
}

func (o *Orchestrator) aborted(c *actor.Context, r protocol.Report) error {
	delete(o.pendingCancel, r.ItemID)
	if err := o.q.Aborted(c, r.ItemID, r.Agent); err != nil {
		return err
	}
	o.logf("%s: cancelled", r.ItemID)
	return nil
}

func (o *Orchestrator) requestReview(c *actor.Context, w pipeline.WorkItem) {
	if o.reviewer.TryTell(protocol.ReviewRequest{Item: w}) {
		o.reviewing[w.ID] = true
		return
	}
	// The tick will try again.
	c.Logger.Warn("reviewer mailbox full", "item", w.ID)
}

func (o *Orchestrator) onVerdict(c *actor.Context, m protocol.ReviewResult) error {
	v := m.Verdict
	delete(o.reviewing, v.ItemID)
	w, err := o.q.Item(v.ItemID)
	if err != nil {
		return err
	}
	if w.State != pipeline.StateComplete || w.Phase != v.Phase || w.Approved() {
		c.Logger.Debug("stale verdict", "item", v.ItemID, "phase", v.Phase, "state", w.State)
		return nil
	}

	if v.Approve {
		if err := o.q.Approve(c, w.ID, m.By, v.Digest); err != nil {
			return err
		}
		if err := o.q.Advance(c, w.ID); err != nil {
			return err
		}
		if o.optimizer != nil && !o.optimizer.TryTell(protocol.Learn{Item: w}) {
			c.Logger.Warn("optimizer mailbox full, output not learned", "item", w.ID)
		}
		next, _ := w.Phase.Next()
		o.logf("%s: approved, %s → %s", w.ID, w.Phase, next)
		return o.schedule(c)
	}

	reason := strings.Join(v.Reasons, "; ")
	if err := o.q.Reject(c, w.ID, m.By, reason, v.Fundamental); err != nil {
		return err
	}
	after, _ := o.q.Item(w.ID)
	c.Logger.Info("phase rejected", "item", w.ID, "phase", w.Phase, "fundamental", v.Fundamental,
		"state", after.State, "now_phase", after.Phase, "attempts", after.AttemptCount)
	o.logf("%s: rejected (%s), now %s/%s", w.ID, reason, after.Phase, after.State)
	return o.schedule(c)
}

func (o *Orchestrator) command(c *actor.Context, m protocol.Command) error {
	switch m.Op {
	case protocol.OpCancel:
		err := o.q.Cancel(c, m.ItemID, pipeline.RoleExternal)
		if !errors.Is(err, pipeline.ErrCancelPending) {
			return err
		}
		w, ierr := o.q.Item(m.ItemID)
		if ierr != nil {
			return ierr
		}
		reason := m.Reason
		if reason == "" {
			reason = queue.CancelledReason
		}
		o.pendingCancel[w.ID] = reason
		if s, ok := o.slots[w.AssignedAgent]; ok {
			if !s.ref.TryTell(protocol.Cancel{ItemID: w.ID, Reason: reason}) {
				c.Logger.Warn("executor mailbox full, cancel dropped", "agent", w.AssignedAgent)
			}
		}
		return nil
	case protocol.OpReopen:
		return o.q.Reopen(c, m.ItemID, m.Reason, pipeline.RoleExternal)
	case protocol.OpRetry:
		return o.q.Retry(c, m.ItemID, m.Reason, pipeline.RoleExternal)
	case protocol.OpUnblock:
		delete(o.stalled, m.ItemID)
		return o.q.Unblock(c, m.ItemID, m.Reason, pipeline.RoleExternal)
	}
	return &pipeline.ValidationError{Field: "op", Message: fmt.Sprintf("unknown command %q", m.Op)}
}

func (o *Orchestrator) agentDown(c *actor.Context, m protocol.AgentDown) error {
	if m.AgentID == c.Self.ID() {
		return nil
	}
	switch m.Role {
	case pipeline.RoleReviewer:
		// Requests in its mailbox survive, but the one it was handling is
		// gone. The tick re-sends.
		clear(o.reviewing)
	case pipeline.RoleExecutor:
		s, ok := o.slots[m.AgentID]
		if !ok {
			return nil
		}
		s.down = true
		delete(o.draining, m.AgentID)
		if !m.Failed {
			return nil
		}
		s.failed = true
		for _, w := range o.q.Items() {
			if !w.State.Active() || w.AssignedAgent != m.AgentID {
				continue
			}
			reason := fmt.Sprintf("executor %s failed: %s", m.AgentID, m.Reason)
			if err := o.local(c, o.q.Block(c, w.ID, reason, pipeline.RoleOrchestrator)); err != nil {
				return err
			}
			o.logf("%s: blocked, %s", w.ID, reason)
		}
	}
	return nil
}

func (o *Orchestrator) agentUp(c *actor.Context, m protocol.AgentUp) {
	switch m.Role {
	case pipeline.RoleReviewer:
		clear(o.reviewing)
	case pipeline.RoleExecutor:
		if s, ok := o.slots[m.AgentID]; ok {
			s.down = false
			s.failed = false
		}
	}
}

// spawn creates sub-work for an executor. The sub-item must be independent
// of running work, fit the budget pool, and say how to judge and undo it.
func (o *Orchestrator) spawn(c *actor.Context, m protocol.SpawnRequest) (string, error) {
	reject := func(format string, args ...any) (string, error) {
		err := &pipeline.SpawnError{ParentID: m.Parent, Reason: fmt.Sprintf(format, args...)}
		c.Logger.Info("spawn rejected", "parent", m.Parent, "agent", m.Agent, "reason", err.Reason)
		return "", err
	}

	parent, err := o.q.Item(m.Parent)
	if err != nil {
		return reject("parent not found")
	}
	if !parent.State.Active() || parent.AssignedAgent != m.Agent {
		return reject("parent is not held by %s", m.Agent)
	}
	if len(parent.Children) >= o.opts.MaxSubwork {
		return reject("parent already has %d sub-items", len(parent.Children))
	}
	req := m.Item
	if len(req.SuccessCriteria) == 0 {
		return reject("success criteria missing")
	}
	if strings.TrimSpace(req.RollbackPlan) == "" {
		return reject("rollback plan missing")
	}

	active, outstanding := 0, 0
	for _, w := range o.q.Items() {
		switch {
		case w.State.Active():
			active++
			for _, r := range req.Resources {
				if slices.Contains(w.Resources, r) {
					return reject("resource %q is held by %s", r, w.ID)
				}
			}
		case w.ParentID != "" && !w.State.Terminal():
			outstanding++
		}
	}
	if o.opts.BudgetPool > 0 && (active+outstanding+1)*o.opts.Budget > o.opts.BudgetPool {
		return reject("context budget pool exhausted")
	}

	req.ParentID = parent.ID
	req.PlanID = parent.PlanID
	if req.Phase == 0 {
		req.Phase = parent.Phase
	}
	id, err := o.q.Submit(c, req)
	if err != nil {
		var ve *pipeline.ValidationError
		if errors.As(err, &ve) || errors.Is(err, pipeline.ErrCycleDetected) {
			return reject("%v", err)
		}
		return "", err
	}
	c.Logger.Info("sub-work spawned", "parent", parent.ID, "item", id)
	o.logf("%s: spawned %s", parent.ID, id)
	return id, nil
}
