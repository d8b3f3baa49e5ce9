// Package events is the append-only event log every work-queue mutation is
// written to before it is applied in memory.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

// Kind identifies what an event records.
type Kind string

const (
	KindCreated         Kind = "created"
	KindDependencyAdded Kind = "dependency_added"
	KindAssigned        Kind = "assigned"
	KindStarted         Kind = "started"
	KindProgressUpdated Kind = "progress_updated"
	KindCompleted       Kind = "completed"
	KindFailed          Kind = "failed"
	KindReviewApproved  Kind = "review_approved"
	KindReviewRejected  Kind = "review_rejected"
	KindPhaseAdvanced   Kind = "phase_advanced"
	KindPhaseRolledBack Kind = "phase_rolled_back"
	KindBlocked         Kind = "blocked"
	KindUnblocked       Kind = "unblocked"
	KindRetried         Kind = "retried"
	KindReopened        Kind = "reopened"
	KindAgentStarted    Kind = "agent_started"
	KindAgentCrashed    Kind = "agent_crashed"
	KindAgentRestarted  Kind = "agent_restarted"
	KindAgentFailed     Kind = "agent_failed"
)

// Kinds lists every event kind.
var Kinds = []Kind{
	KindCreated, KindDependencyAdded, KindAssigned, KindStarted,
	KindProgressUpdated, KindCompleted, KindFailed, KindReviewApproved,
	KindReviewRejected, KindPhaseAdvanced, KindPhaseRolledBack, KindBlocked,
	KindUnblocked, KindRetried, KindReopened, KindAgentStarted,
	KindAgentCrashed, KindAgentRestarted, KindAgentFailed,
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// AgentKind reports whether k describes an agent rather than a work item.
func (k Kind) AgentKind() bool {
	switch k {
	case KindAgentStarted, KindAgentCrashed, KindAgentRestarted, KindAgentFailed:
		return true
	}
	return false
}

// Event is an immutable fact in the log. Seq is assigned by storage on
// append. Origin and OriginSeq identify the node that produced it.
type Event struct {
	Seq        uint64          `json:"seq"`
	Timestamp  time.Time       `json:"timestamp"`
	Kind       Kind            `json:"kind"`
	WorkItemID string          `json:"work_item_id,omitempty"`
	Actor      pipeline.Role   `json:"actor,omitempty"`
	Origin     string          `json:"origin,omitempty"`
	OriginSeq  uint64          `json:"origin_seq,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// New builds an unsequenced event with payload marshalled as JSON.
func New(kind Kind, itemID string, actor pipeline.Role, payload any) (Event, error) {
	e := Event{Kind: kind, WorkItemID: itemID, Actor: actor}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		e.Payload = data
	}
	return e, nil
}

// Decode unmarshals an event's payload into T.
func Decode[T any](e Event) (T, error) {
	var v T
	if len(e.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload (seq %d): %w", e.Kind, e.Seq, err)
	}
	return v, nil
}

// Outcome records what a failure or rejection decided, so the fold never
// has to consult configuration.
type Outcome string

const (
	OutcomeRequeue  Outcome = "requeue"
	OutcomeRollback Outcome = "rollback"
	OutcomeDeferred Outcome = "deferred"
	OutcomeFailed   Outcome = "failed"
)

type Created struct {
	Item pipeline.WorkItem `json:"item"`
}

type DependencyAdded struct {
	DependsOn string `json:"depends_on"`
}

type Assigned struct {
	Agent string `json:"agent"`
}

type Started struct {
	Agent string `json:"agent"`
}

type ProgressUpdated struct {
	Note string `json:"note"`
}

type Completed struct {
	Output string `json:"output,omitempty"`
}

// Failed covers executor failures and cancellation. Cancelled failures do
// not count as an attempt.
type Failed struct {
	Reason    string  `json:"reason"`
	Cancelled bool    `json:"cancelled,omitempty"`
	Outcome   Outcome `json:"outcome"`
}

type ReviewApproved struct {
	Phase  pipeline.Phase `json:"phase"`
	Digest string         `json:"digest,omitempty"`
}

type ReviewRejected struct {
	Phase       pipeline.Phase `json:"phase"`
	Reason      string         `json:"reason"`
	Fundamental bool           `json:"fundamental"`
	Outcome     Outcome        `json:"outcome"`
}

type PhaseChanged struct {
	From pipeline.Phase `json:"from"`
	To   pipeline.Phase `json:"to"`
}

type Blocked struct {
	Reason string `json:"reason"`
	Agent  string `json:"agent,omitempty"`
}

type Unblocked struct {
	Reason string `json:"reason,omitempty"`
}

type Retried struct {
	Reason string `json:"reason,omitempty"`
}

type Reopened struct {
	Reason string         `json:"reason"`
	Phase  pipeline.Phase `json:"phase"`
}

// Agent is the payload of every agent lifecycle event.
type Agent struct {
	AgentID      string        `json:"agent_id"`
	Role         pipeline.Role `json:"role"`
	Reason       string        `json:"reason,omitempty"`
	RestartCount int           `json:"restart_count,omitempty"`
	// Diagnostic marks a crash reported by the orchestrator's stall sweep
	// rather than by the supervisor. It does not change the agent's status.
	Diagnostic bool `json:"diagnostic,omitempty"`
}
