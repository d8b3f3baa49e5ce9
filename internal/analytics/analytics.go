// Package analytics summarises the event log: how long items spend in each
// phase, how often the reviewer rejects, and daily throughput.
package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

// PhaseDuration holds time-in-phase stats for one phase. A visit counts
// when the item advances out of the phase; rolled back visits do not.
type PhaseDuration struct {
	Phase string  `json:"phase"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// ReviewRate holds reviewer verdict stats for one phase.
type ReviewRate struct {
	Phase       string  `json:"phase"`
	Approved    int     `json:"approved"`
	Rejected    int     `json:"rejected"`
	Fundamental int     `json:"fundamental"`
	RejectPct   float64 `json:"reject_pct"`
}

// ReviewRounds is the distribution of rejections an item took before its
// phase was approved.
type ReviewRounds struct {
	Phase     string  `json:"phase"`
	Total     int     `json:"total"`
	Zero      float64 `json:"zero_rounds_pct"`
	One       float64 `json:"one_round_pct"`
	Two       float64 `json:"two_rounds_pct"`
	ThreePlus float64 `json:"three_plus_pct"`
}

// Throughput holds item counts for one UTC day.
type Throughput struct {
	Period    string  `json:"period"`
	Created   int     `json:"created"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	AvgLead   float64 `json:"avg_lead_minutes"`
}

// AgentStats counts agent lifecycle events.
type AgentStats struct {
	Crashes  int `json:"crashes"`
	Stalls   int `json:"stalls"`
	Restarts int `json:"restarts"`
	Failures int `json:"failures"`
}

// Report is everything Compute derives.
type Report struct {
	Since      time.Time       `json:"since,omitempty"`
	Events     int             `json:"events"`
	Phases     []PhaseDuration `json:"phases"`
	Reviews    []ReviewRate    `json:"reviews"`
	Rounds     []ReviewRounds  `json:"rounds"`
	Throughput []Throughput    `json:"throughput"`
	Agents     AgentStats      `json:"agents"`
}

type itemTrack struct {
	phase     pipeline.Phase
	entered   time.Time
	createdAt time.Time
	rejects   map[pipeline.Phase]int
}

// Compute folds evs, which must be in seq order. Only facts at or after
// since are counted, but earlier events still establish when an item
// entered its phase.
func Compute(evs []events.Event, since time.Time) (Report, error) {
	rep := Report{Since: since}
	items := make(map[string]*itemTrack)
	durations := make(map[pipeline.Phase][]float64)
	reviews := make(map[pipeline.Phase]*ReviewRate)
	rounds := make(map[pipeline.Phase][]int)
	days := make(map[string]*Throughput)
	leads := make(map[string][]float64)

	day := func(t time.Time) *Throughput {
		key := t.UTC().Format("2006-01-02")
		if d, ok := days[key]; ok {
			return d
		}
		d := &Throughput{Period: key}
		days[key] = d
		return d
	}
	review := func(p pipeline.Phase) *ReviewRate {
		if r, ok := reviews[p]; ok {
			return r
		}
		r := &ReviewRate{Phase: p.String()}
		reviews[p] = r
		return r
	}

	for _, e := range evs {
		counted := !e.Timestamp.Before(since)
		if counted {
			rep.Events++
		}
		it := items[e.WorkItemID]

		switch e.Kind {
		case events.KindCreated:
			p, err := events.Decode[events.Created](e)
			if err != nil {
				return rep, err
			}
			items[e.WorkItemID] = &itemTrack{
				phase: p.Item.Phase, entered: e.Timestamp, createdAt: e.Timestamp,
				rejects: make(map[pipeline.Phase]int),
			}
			if counted {
				day(e.Timestamp).Created++
			}

		case events.KindPhaseAdvanced:
			if it == nil {
				continue
			}
			p, err := events.Decode[events.PhaseChanged](e)
			if err != nil {
				return rep, err
			}
			if counted {
				if secs := e.Timestamp.Sub(it.entered).Seconds(); secs >= 0 {
					durations[p.From] = append(durations[p.From], secs)
				}
				if p.To == pipeline.PhaseComplete {
					d := day(e.Timestamp)
					d.Completed++
					leads[d.Period] = append(leads[d.Period], e.Timestamp.Sub(it.createdAt).Minutes())
				}
			}
			it.phase, it.entered = p.To, e.Timestamp

		case events.KindPhaseRolledBack:
			if it == nil {
				continue
			}
			p, err := events.Decode[events.PhaseChanged](e)
			if err != nil {
				return rep, err
			}
			it.phase, it.entered = p.To, e.Timestamp

		case events.KindReopened:
			if it == nil {
				continue
			}
			p, err := events.Decode[events.Reopened](e)
			if err != nil {
				return rep, err
			}
			if p.Phase.Valid() {
				it.phase = p.Phase
			}
			it.entered = e.Timestamp

		case events.KindReviewApproved:
			p, err := events.Decode[events.ReviewApproved](e)
			if err != nil {
				return rep, err
			}
			if counted {
				review(p.Phase).Approved++
			}
			if it != nil {
				if counted {
					rounds[p.Phase] = append(rounds[p.Phase], it.rejects[p.Phase])
				}
				delete(it.rejects, p.Phase)
			}

		case events.KindReviewRejected:
			p, err := events.Decode[events.ReviewRejected](e)
			if err != nil {
				return rep, err
			}
			if counted {
				r := review(p.Phase)
				r.Rejected++
				if p.Fundamental {
					r.Fundamental++
				}
				if p.Outcome == events.OutcomeFailed {
					day(e.Timestamp).Failed++
				}
			}
			if it != nil {
				it.rejects[p.Phase]++
			}

		case events.KindFailed:
			p, err := events.Decode[events.Failed](e)
			if err != nil {
				return rep, err
			}
			if counted && p.Outcome == events.OutcomeFailed {
				day(e.Timestamp).Failed++
			}

		case events.KindAgentCrashed:
			if !counted {
				continue
			}
			p, err := events.Decode[events.Agent](e)
			if err != nil {
				return rep, err
			}
			if p.Diagnostic {
				rep.Agents.Stalls++
			} else {
				rep.Agents.Crashes++
			}
		case events.KindAgentRestarted:
			if counted {
				rep.Agents.Restarts++
			}
		case events.KindAgentFailed:
			if counted {
				rep.Agents.Failures++
			}
		}
	}

	for _, ph := range pipeline.Phases {
		if ds := durations[ph]; len(ds) > 0 {
			sort.Float64s(ds)
			rep.Phases = append(rep.Phases, PhaseDuration{
				Phase: ph.String(),
				Count: len(ds),
				Avg:   avg(ds),
				P50:   percentile(ds, 50),
				P95:   percentile(ds, 95),
			})
		}
		if r, ok := reviews[ph]; ok {
			r.RejectPct = pct(r.Rejected, r.Approved+r.Rejected)
			rep.Reviews = append(rep.Reviews, *r)
		}
		if rs := rounds[ph]; len(rs) > 0 {
			rep.Rounds = append(rep.Rounds, roundDist(ph, rs))
		}
	}

	for period, d := range days {
		d.AvgLead = avg(leads[period])
		rep.Throughput = append(rep.Throughput, *d)
	}
	sort.Slice(rep.Throughput, func(i, j int) bool {
		return rep.Throughput[i].Period < rep.Throughput[j].Period
	})
	return rep, nil
}

func roundDist(ph pipeline.Phase, rs []int) ReviewRounds {
	var zero, one, two, more int
	for _, n := range rs {
		switch {
		case n == 0:
			zero++
		case n == 1:
			one++
		case n == 2:
			two++
		default:
			more++
		}
	}
	return ReviewRounds{
		Phase:     ph.String(),
		Total:     len(rs),
		Zero:      pct(zero, len(rs)),
		One:       pct(one, len(rs)),
		Two:       pct(two, len(rs)),
		ThreePlus: pct(more, len(rs)),
	}
}

// ParseSince turns "24h", "7d" or an RFC 3339 time into a cutoff relative
// to now. Empty means no cutoff.
func ParseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	var days int
	if n, err := fmt.Sscanf(s, "%dd", &days); err == nil && n == 1 && fmt.Sprintf("%dd", days) == s {
		return now.Add(-time.Duration(days) * 24 * time.Hour), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since %q: use a duration like 24h or 7d, or an RFC 3339 time", s)
	}
	return now.Add(-d), nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
