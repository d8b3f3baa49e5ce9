package analytics

import (
	"testing"
	"time"

	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type logBuilder struct {
	t   *testing.T
	evs []events.Event
}

func (b *logBuilder) add(at time.Duration, kind events.Kind, item string, payload any) {
	b.t.Helper()
	e, err := events.New(kind, item, pipeline.RoleOrchestrator, payload)
	if err != nil {
		b.t.Fatalf("new event: %v", err)
	}
	e.Seq = uint64(len(b.evs) + 1)
	e.Timestamp = t0.Add(at)
	b.evs = append(b.evs, e)
}

func (b *logBuilder) advance(at time.Duration, item string, from pipeline.Phase) {
	to, _ := from.Next()
	b.add(at, events.KindReviewApproved, item, events.ReviewApproved{Phase: from})
	b.add(at, events.KindPhaseAdvanced, item, events.PhaseChanged{From: from, To: to})
}

// sampleLog: w1 runs straight through in 40 minutes; w2 is rejected twice
// in FullSpecToPlan, once fundamentally, and then fails.
func sampleLog(t *testing.T) []events.Event {
	b := &logBuilder{t: t}
	b.add(0, events.KindCreated, "w1", events.Created{Item: pipeline.WorkItem{ID: "w1", Phase: pipeline.PhasePromptToSpec}})
	b.add(0, events.KindCreated, "w2", events.Created{Item: pipeline.WorkItem{ID: "w2", Phase: pipeline.PhaseFullSpecToPlan}})
	b.advance(10*time.Minute, "w1", pipeline.PhasePromptToSpec)
	b.advance(20*time.Minute, "w1", pipeline.PhaseSpecToFullSpec)
	b.add(25*time.Minute, events.KindReviewRejected, "w2", events.ReviewRejected{Phase: pipeline.PhaseFullSpecToPlan, Reason: "vague", Outcome: events.OutcomeRequeue})
	b.advance(30*time.Minute, "w1", pipeline.PhaseFullSpecToPlan)
	b.advance(40*time.Minute, "w1", pipeline.PhasePlanToArtifacts)
	b.add(45*time.Minute, events.KindReviewRejected, "w2", events.ReviewRejected{Phase: pipeline.PhaseFullSpecToPlan, Reason: "wrong design", Fundamental: true, Outcome: events.OutcomeFailed})
	b.add(46*time.Minute, events.KindAgentCrashed, "", events.Agent{AgentID: "exec-1", Diagnostic: true})
	b.add(47*time.Minute, events.KindAgentCrashed, "", events.Agent{AgentID: "exec-2"})
	b.add(47*time.Minute, events.KindAgentRestarted, "", events.Agent{AgentID: "exec-2", RestartCount: 1})
	return b.evs
}

func TestCompute(t *testing.T) {
	rep, err := Compute(sampleLog(t), time.Time{})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if rep.Events != 15 {
		t.Errorf("events = %d, want 15", rep.Events)
	}

	if len(rep.Phases) != 4 {
		t.Fatalf("phases = %+v", rep.Phases)
	}
	for _, p := range rep.Phases {
		if p.Count != 1 || p.Avg != 600 {
			t.Errorf("phase %s = %+v, want one 600s visit", p.Phase, p)
		}
	}

	var plan *ReviewRate
	for i := range rep.Reviews {
		if rep.Reviews[i].Phase == pipeline.PhaseFullSpecToPlan.String() {
			plan = &rep.Reviews[i]
		}
	}
	if plan == nil {
		t.Fatalf("no review stats for full_spec_to_plan: %+v", rep.Reviews)
	}
	if plan.Approved != 1 || plan.Rejected != 2 || plan.Fundamental != 1 {
		t.Errorf("full_spec_to_plan reviews = %+v", plan)
	}
	if plan.RejectPct != 66.7 {
		t.Errorf("reject pct = %v, want 66.7", plan.RejectPct)
	}

	// Only w1 was ever approved, each time on the first try.
	for _, r := range rep.Rounds {
		if r.Total != 1 || r.Zero != 100 {
			t.Errorf("rounds %s = %+v", r.Phase, r)
		}
	}

	if len(rep.Throughput) != 1 {
		t.Fatalf("throughput = %+v", rep.Throughput)
	}
	day := rep.Throughput[0]
	if day.Period != "2026-03-02" || day.Created != 2 || day.Completed != 1 || day.Failed != 1 {
		t.Errorf("throughput = %+v", day)
	}
	if day.AvgLead != 40 {
		t.Errorf("lead = %v, want 40 minutes", day.AvgLead)
	}

	want := AgentStats{Crashes: 1, Stalls: 1, Restarts: 1}
	if rep.Agents != want {
		t.Errorf("agents = %+v, want %+v", rep.Agents, want)
	}
}

func TestCompute_SinceKeepsEarlierPhaseEntry(t *testing.T) {
	rep, err := Compute(sampleLog(t), t0.Add(35*time.Minute))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	// Only the PlanToArtifacts advance falls in the window, but its visit
	// started at 30m, before the cutoff.
	if len(rep.Phases) != 1 || rep.Phases[0].Phase != pipeline.PhasePlanToArtifacts.String() || rep.Phases[0].Avg != 600 {
		t.Errorf("phases = %+v", rep.Phases)
	}
	if len(rep.Throughput) != 1 || rep.Throughput[0].Created != 0 || rep.Throughput[0].Completed != 1 {
		t.Errorf("throughput = %+v", rep.Throughput)
	}
}

func TestCompute_RollbackIsNotAVisit(t *testing.T) {
	b := &logBuilder{t: t}
	b.add(0, events.KindCreated, "w1", events.Created{Item: pipeline.WorkItem{ID: "w1", Phase: pipeline.PhasePlanToArtifacts}})
	b.add(5*time.Minute, events.KindReviewRejected, "w1", events.ReviewRejected{Phase: pipeline.PhasePlanToArtifacts, Fundamental: true, Outcome: events.OutcomeRollback})
	b.add(5*time.Minute, events.KindPhaseRolledBack, "w1", events.PhaseChanged{From: pipeline.PhasePlanToArtifacts, To: pipeline.PhaseFullSpecToPlan})
	b.advance(8*time.Minute, "w1", pipeline.PhaseFullSpecToPlan)
	b.advance(20*time.Minute, "w1", pipeline.PhasePlanToArtifacts)

	rep, err := Compute(b.evs, time.Time{})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	got := map[string]float64{}
	for _, p := range rep.Phases {
		got[p.Phase] = p.Avg
		if p.Count != 1 {
			t.Errorf("%s count = %d", p.Phase, p.Count)
		}
	}
	if got["full_spec_to_plan"] != 180 || got["plan_to_artifacts"] != 720 {
		t.Errorf("durations = %v", got)
	}
	for _, r := range rep.Rounds {
		if r.Phase == "plan_to_artifacts" && r.One != 100 {
			t.Errorf("plan_to_artifacts rounds = %+v, want one rejection", r)
		}
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"", time.Time{}, false},
		{"24h", now.Add(-24 * time.Hour), false},
		{"7d", now.Add(-7 * 24 * time.Hour), false},
		{"2026-03-01T00:00:00Z", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), false},
		{"7days", time.Time{}, true},
		{"soon", time.Time{}, true},
	}
	for _, tt := range tests {
		got, err := ParseSince(tt.in, now)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSince(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseSince(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPercentile(t *testing.T) {
	vals := []float64{1, 2, 3, 4, 5}
	if got := percentile(vals, 50); got != 3 {
		t.Errorf("p50 = %v", got)
	}
	if got := percentile(vals, 95); got != 4.8 {
		t.Errorf("p95 = %v", got)
	}
	if got := percentile(nil, 50); got != 0 {
		t.Errorf("empty p50 = %v", got)
	}
}
