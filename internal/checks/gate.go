package checks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// GateCheckResult holds the result of a single check within a gate run.
type GateCheckResult struct {
	Check       string `json:"check"`
	Passed      bool   `json:"passed"`
	Fundamental bool   `json:"fundamental,omitempty"`
	Summary     string `json:"summary,omitempty"`
}

// GateFailure describes a failed check.
type GateFailure struct {
	Summary     string `json:"summary"`
	Fundamental bool   `json:"fundamental,omitempty"`
}

// GateResult is the structured output of a full gate run.
type GateResult struct {
	Gate              string                 `json:"gate"`
	ItemID            string                 `json:"item_id"`
	Attempt           int                    `json:"attempt"`
	Passed            bool                   `json:"passed"`
	Checks            []GateCheckResult      `json:"checks"`
	RemainingFailures map[string]GateFailure `json:"remaining_failures,omitempty"`
}

// JSON returns the gate result as indented JSON.
func (g *GateResult) JSON() (string, error) {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Fundamental reports whether any failed check was fundamental.
func (g *GateResult) Fundamental() bool {
	for _, f := range g.RemainingFailures {
		if f.Fundamental {
			return true
		}
	}
	return false
}

// Reasons lists failed checks in run order as "name: summary".
func (g *GateResult) Reasons() []string {
	var out []string
	for _, c := range g.Checks {
		if !c.Passed {
			out = append(out, fmt.Sprintf("%s: %s", c.Check, strings.TrimSpace(c.Summary)))
		}
	}
	return out
}

// RunGate runs every check that applies to the item's phase, then folds in
// the exit criteria. Checks are independent: a failure never skips the
// rest.
func RunGate(ctx context.Context, list []Check, in Input) *GateResult {
	gate := &GateResult{
		Gate:              in.Item.Phase.String(),
		ItemID:            in.Item.ID,
		Attempt:           in.Item.AttemptCount + 1,
		Passed:            true,
		RemainingFailures: make(map[string]GateFailure),
	}
	record := func(name string, passed, fundamental bool, summary string) {
		gc := GateCheckResult{Check: name, Passed: passed, Summary: summary}
		if !passed {
			gc.Fundamental = fundamental
			gate.Passed = false
			gate.RemainingFailures[name] = GateFailure{Summary: summary, Fundamental: fundamental}
		}
		gate.Checks = append(gate.Checks, gc)
	}

	for _, c := range list {
		if !c.AppliesTo(in.Item.Phase) {
			continue
		}
		o := c.Eval(ctx, in)
		record(c.Name, o.Passed, c.Fundamental || o.Fundamental, o.Summary)
	}
	for _, ec := range in.Exit {
		record("exit:"+ec.Name, ec.Passed, ec.Fundamental, ec.Detail)
	}
	return gate
}
