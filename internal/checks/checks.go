// Package checks is the reviewer's checklist: independent pass/fail checks
// run over a phase output and folded into a GateResult.
package checks

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/lucasnoah/phasefactory/internal/llm"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

// Criterion is an exit predicate evaluated elsewhere (the optimizer's
// context-sufficiency checks) and folded into the gate as-is.
type Criterion struct {
	Name        string
	Passed      bool
	Fundamental bool
	Detail      string
}

// Input is what every check sees.
type Input struct {
	Item pipeline.WorkItem
	// Evaluation is the evaluator's answer for this output, nil if none.
	Evaluation *llm.Evaluation
	Exit       []Criterion
}

// Outcome is one check's answer. Fundamental marks a failure whose root
// cause lies in the previous phase; it is ORed with Check.Fundamental.
type Outcome struct {
	Passed      bool
	Fundamental bool
	Summary     string
}

// Check is one checklist entry.
type Check struct {
	Name        string
	Fundamental bool
	// Phases limits the check to these phases. Empty means every phase.
	Phases []pipeline.Phase
	Eval   func(ctx context.Context, in Input) Outcome
}

// AppliesTo reports whether the check runs in phase p.
func (c Check) AppliesTo(p pipeline.Phase) bool {
	return len(c.Phases) == 0 || slices.Contains(c.Phases, p)
}

// Builtin returns the standard checklist: intent, tests, placeholders and
// constraints.
func Builtin() []Check {
	return []Check{Intent(), TestsPresent(), NoPlaceholders(), Constraints()}
}

// ByName picks builtins by name, in the order given.
func ByName(names []string) ([]Check, error) {
	all := Builtin()
	var out []Check
	for _, n := range names {
		i := slices.IndexFunc(all, func(c Check) bool { return c.Name == n })
		if i < 0 {
			return nil, fmt.Errorf("unknown check %q", n)
		}
		out = append(out, all[i])
	}
	return out, nil
}

// Intent passes when the evaluator judged the output to satisfy the
// request. Fundamental reasons from the evaluator make it fundamental.
func Intent() Check {
	return Check{
		Name: "intent",
		Eval: func(_ context.Context, in Input) Outcome {
			ev := in.Evaluation
			if ev == nil {
				return Outcome{Summary: "no evaluation available"}
			}
			if ev.Pass {
				return Outcome{Passed: true, Summary: "evaluator passed"}
			}
			var o Outcome
			var texts []string
			for _, r := range ev.Reasons {
				texts = append(texts, r.Text)
				o.Fundamental = o.Fundamental || r.Fundamental
			}
			o.Summary = strings.Join(texts, "; ")
			return o
		},
	}
}

var testsRe = regexp.MustCompile(`(?i)\b(tests?|tested|testing|verif(y|ied|ies|ication))\b`)

// TestsPresent requires plans and artifacts to say how they are verified.
func TestsPresent() Check {
	return Check{
		Name:   "tests_present",
		Phases: []pipeline.Phase{pipeline.PhaseFullSpecToPlan, pipeline.PhasePlanToArtifacts},
		Eval: func(_ context.Context, in Input) Outcome {
			if testsRe.MatchString(in.Item.Output) {
				return Outcome{Passed: true, Summary: "verification described"}
			}
			return Outcome{Summary: "output does not describe any tests or verification"}
		},
	}
}

var placeholderRe = regexp.MustCompile(`\b(TODO|TBD|FIXME|XXX)\b|<placeholder>|\?\?\?|(?i:lorem ipsum)`)

// NoPlaceholders fails on empty output or unresolved placeholder markers.
func NoPlaceholders() Check {
	return Check{
		Name: "no_placeholders",
		Eval: func(_ context.Context, in Input) Outcome {
			out := strings.TrimSpace(in.Item.Output)
			if out == "" {
				return Outcome{Summary: "output is empty"}
			}
			found := placeholderRe.FindAllString(out, 5)
			if len(found) > 0 {
				return Outcome{Summary: fmt.Sprintf("unresolved placeholders: %s", strings.Join(found, ", "))}
			}
			return Outcome{Passed: true, Summary: "no placeholders"}
		},
	}
}

// Constraints enforces the machine-checkable constraints on an item:
// "forbid: <text>" must not appear in the output and "require: <text>"
// must. Free-form constraints are left to the evaluator.
func Constraints() Check {
	return Check{
		Name: "constraints",
		Eval: func(_ context.Context, in Input) Outcome {
			out := strings.ToLower(in.Item.Output)
			var broken []string
			for _, c := range in.Item.Constraints {
				kind, text, ok := strings.Cut(c, ":")
				text = strings.ToLower(strings.TrimSpace(text))
				if !ok || text == "" {
					continue
				}
				switch strings.ToLower(strings.TrimSpace(kind)) {
				case "forbid":
					if strings.Contains(out, text) {
						broken = append(broken, c)
					}
				case "require":
					if !strings.Contains(out, text) {
						broken = append(broken, c)
					}
				}
			}
			if len(broken) > 0 {
				return Outcome{Summary: "constraints violated: " + strings.Join(broken, "; ")}
			}
			return Outcome{Passed: true, Summary: "constraints respected"}
		},
	}
}
