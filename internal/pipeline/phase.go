package pipeline

import (
	"fmt"
	"strings"
)

// Phase is a step of the ordered pipeline. The zero value is not a phase.
type Phase int

const (
	PhasePromptToSpec Phase = iota + 1
	PhaseSpecToFullSpec
	PhaseFullSpecToPlan
	PhasePlanToArtifacts
	PhaseComplete
)

var phaseNames = map[Phase]string{
	PhasePromptToSpec:    "prompt_to_spec",
	PhaseSpecToFullSpec:  "spec_to_full_spec",
	PhaseFullSpecToPlan:  "full_spec_to_plan",
	PhasePlanToArtifacts: "plan_to_artifacts",
	PhaseComplete:        "complete",
}

// Phases lists every phase in pipeline order.
var Phases = []Phase{
	PhasePromptToSpec,
	PhaseSpecToFullSpec,
	PhaseFullSpecToPlan,
	PhasePlanToArtifacts,
	PhaseComplete,
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Valid reports whether p is one of the five pipeline phases.
func (p Phase) Valid() bool {
	_, ok := phaseNames[p]
	return ok
}

// Next returns the phase after p. ok is false for PhaseComplete.
func (p Phase) Next() (Phase, bool) {
	if !p.Valid() || p == PhaseComplete {
		return p, false
	}
	return p + 1, true
}

// Prev returns the phase before p. ok is false for the first phase and for
// PhaseComplete, which is never rolled back by review.
func (p Phase) Prev() (Phase, bool) {
	if !p.Valid() || p == PhasePromptToSpec || p == PhaseComplete {
		return p, false
	}
	return p - 1, true
}

// ParsePhase converts a phase name (or its CamelCase form) to a Phase.
func ParsePhase(s string) (Phase, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	for p, name := range phaseNames {
		if norm == name || norm == strings.ReplaceAll(name, "_", "") {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

func (p Phase) MarshalText() ([]byte, error) {
	if p == 0 {
		return []byte(""), nil
	}
	if !p.Valid() {
		return nil, fmt.Errorf("invalid phase %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*p = 0
		return nil
	}
	v, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
