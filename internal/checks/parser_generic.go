package checks

import (
	"fmt"
	"strings"

	"github.com/lucasnoah/phasefactory/internal/llm"
)

// GenericParser is the fallback parser that captures exit code and actual output.
type GenericParser struct{}

// maxOutputLen caps how much stdout/stderr the generic parser retains in findings.
const maxOutputLen = 8000

func (p *GenericParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	if exitCode == 0 {
		return ParseResult{Passed: true, Summary: "passed (exit code 0)"}
	}
	combined := strings.TrimSpace(strings.Join([]string{stdout, stderr}, "\n"))
	// Keep the tail; error summaries are usually at the end.
	if len(combined) > maxOutputLen {
		combined = "…(truncated)\n" + combined[len(combined)-maxOutputLen:]
	}
	return ParseResult{
		Summary:  fmt.Sprintf("exit code %d, stdout=%d bytes, stderr=%d bytes", exitCode, len(stdout), len(stderr)),
		Findings: combined,
	}
}

// VerdictParser reads PASS/FAIL output in the evaluator's answer format,
// so a check command can be a script wrapping another model.
type VerdictParser struct{}

func (p *VerdictParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	ev, err := llm.ParseEvaluation(stdout)
	if err != nil {
		return ParseResult{Summary: err.Error(), Findings: strings.TrimSpace(stderr)}
	}
	if ev.Pass {
		return ParseResult{Passed: true, Summary: "PASS"}
	}
	var lines []string
	for _, r := range ev.Reasons {
		lines = append(lines, r.Text)
	}
	return ParseResult{Summary: "FAIL", Findings: strings.Join(lines, "\n")}
}
