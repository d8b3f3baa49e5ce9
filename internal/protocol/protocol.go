// Package protocol defines the messages actors exchange. Messages are plain
// values; request messages carry an actor.Reply for the answer.
package protocol

import (
	"time"

	"github.com/lucasnoah/phasefactory/internal/actor"
	appctx "github.com/lucasnoah/phasefactory/internal/context"
	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
	"github.com/lucasnoah/phasefactory/internal/queue"
)

// Orchestrator → Executor.

// Execute hands an assigned item to an executor. Item is a snapshot taken
// at assignment time.
type Execute struct {
	Item   pipeline.WorkItem
	Budget int
}

// Cancel asks an executor to abandon an item at its next suspension point.
type Cancel struct {
	ItemID string
	Reason string
}

// Executor → Orchestrator.

// ReportKind says what an executor report means.
type ReportKind string

const (
	ReportProgress ReportKind = "progress"
	ReportDone     ReportKind = "done"
	ReportFailed   ReportKind = "failed"
	// ReportAborted acknowledges a Cancel, or tells the orchestrator that a
	// restarted executor lost its in-flight work.
	ReportAborted ReportKind = "aborted"
)

type Report struct {
	Kind      ReportKind
	ItemID    string
	Agent     string
	Note      string
	Output    string
	Restarted bool
}

// SpawnRequest asks the orchestrator to create sub-work under Parent.
type SpawnRequest struct {
	Parent string
	Agent  string
	Item   queue.SubmitRequest
	Reply  actor.Reply[string]
}

// Orchestrator ↔ Reviewer.

// ReviewRequest asks for a verdict on an item's current phase output.
type ReviewRequest struct {
	Item pipeline.WorkItem
}

// Verdict is the reviewer's decision.
type Verdict struct {
	ItemID      string
	Phase       pipeline.Phase
	Approve     bool
	Reasons     []string
	Fundamental bool
	Digest      string
	Cached      bool
}

// ReviewResult carries a verdict back to the orchestrator, which appends
// the approval or rejection on the reviewer's behalf.
type ReviewResult struct {
	Verdict Verdict
	By      pipeline.Role
}

// Executor/Reviewer → Optimizer.

type BuildContext struct {
	Item   pipeline.WorkItem
	Budget int
	Reply  actor.Reply[appctx.Payload]
}

// ExitCriteria asks for the optimizer's context-sufficiency predicates for
// a phase, evaluated against item.
type ExitCriteria struct {
	Item  pipeline.WorkItem
	Reply actor.Reply[[]CriterionResult]
}

// CriterionResult is one evaluated exit predicate.
type CriterionResult struct {
	Name        string
	Passed      bool
	Fundamental bool
	Detail      string
}

// Learn feeds a completed item's output back into the optimizer's corpus.
type Learn struct {
	Item pipeline.WorkItem
}

// External → Orchestrator.

type SubmitPlan struct {
	Plan  queue.Plan
	Reply actor.Reply[queue.PlanResult]
}

// Status asks for a snapshot of a plan's items, or of every item when
// PlanID is empty.
type Status struct {
	PlanID string
	Reply  actor.Reply[[]pipeline.WorkItem]
}

// Command is an external state change on one item.
type Command struct {
	Op     CommandOp
	ItemID string
	Reason string
	Reply  actor.Reply[struct{}]
}

type CommandOp string

const (
	OpCancel  CommandOp = "cancel"
	OpReopen  CommandOp = "reopen"
	OpRetry   CommandOp = "retry"
	OpUnblock CommandOp = "unblock"
)

// Supervisor → Orchestrator.

// AgentDown tells the orchestrator an agent crashed. Failed means the
// supervisor gave up restarting it.
type AgentDown struct {
	AgentID string
	Role    pipeline.Role
	Reason  string
	Failed  bool
	At      time.Time
}

// AgentUp tells the orchestrator an agent (re)started and is available.
type AgentUp struct {
	AgentID string
	Role    pipeline.Role
}

// Restore is handed to a restarted actor: the latest events for the work
// it had in flight.
type Restore struct {
	Restart  int
	InFlight []string
	Events   []events.Event
}
