package checks

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

// mockCmd records calls and returns configured results.
type mockCmd struct {
	calls   []mockCall
	results []mockResult
	callIdx int
	block   bool
}

type mockCall struct {
	Dir     string
	Command string
	Env     []string
	Stdin   string
}

type mockResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

func (m *mockCmd) Run(ctx context.Context, dir, command string, env []string, stdin string) (string, string, int, error) {
	m.calls = append(m.calls, mockCall{Dir: dir, Command: command, Env: env, Stdin: stdin})
	if m.block {
		<-ctx.Done()
		return "", "", -1, ctx.Err()
	}
	if m.callIdx >= len(m.results) {
		return "", "", 0, nil
	}
	r := m.results[m.callIdx]
	m.callIdx++
	return r.Stdout, r.Stderr, r.ExitCode, r.Err
}

func testInput(output string) Input {
	return Input{Item: pipeline.WorkItem{ID: "w1", Phase: pipeline.PhasePlanToArtifacts, AttemptCount: 1, Output: output}}
}

func TestRunner_Run_HappyPath(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{ExitCode: 0, Stdout: "ok"}}}
	runner := NewRunner(mock)

	res, err := runner.Run(context.Background(), CommandConfig{Name: "lint", Command: "make lint", Dir: "/tmp"}, testInput("artifact"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Passed {
		t.Errorf("expected pass, got %+v", res)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(mock.calls))
	}
	call := mock.calls[0]
	if call.Dir != "/tmp" || call.Command != "make lint" || call.Stdin != "artifact" {
		t.Errorf("unexpected call %+v", call)
	}
	want := []string{"FACTORY_ITEM_ID=w1", "FACTORY_PHASE=plan_to_artifacts", "FACTORY_ATTEMPT=2"}
	if strings.Join(call.Env, ",") != strings.Join(want, ",") {
		t.Errorf("env = %v, want %v", call.Env, want)
	}
}

func TestRunner_Run_FailedCheck(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{ExitCode: 1, Stderr: "2 lint errors"}}}
	res, err := NewRunner(mock).Run(context.Background(), CommandConfig{Name: "lint", Command: "x"}, testInput(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Passed || res.ExitCode != 1 {
		t.Errorf("expected failure with exit 1, got %+v", res)
	}
	if !strings.Contains(res.Findings, "2 lint errors") {
		t.Errorf("findings should carry stderr, got %q", res.Findings)
	}
}

func TestRunner_Run_VerdictParser(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{ExitCode: 0, Stdout: "FAIL\n- no rollback section"}}}
	res, err := NewRunner(mock).Run(context.Background(), CommandConfig{Name: "judge", Command: "x", Parser: "verdict"}, testInput("o"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed {
		t.Error("exit 0 with FAIL verdict must not pass")
	}
	if res.Findings != "no rollback section" {
		t.Errorf("findings = %q", res.Findings)
	}
}

func TestRunner_Run_UnknownParserFallsToGeneric(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{ExitCode: 0}}}
	res, err := NewRunner(mock).Run(context.Background(), CommandConfig{Name: "c", Command: "x", Parser: "eslint"}, testInput("o"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Passed || res.Summary != "passed (exit code 0)" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestRunner_Run_CommandError(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Err: errors.New("no shell")}}}
	if _, err := NewRunner(mock).Run(context.Background(), CommandConfig{Name: "c", Command: "x"}, testInput("o")); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunner_Run_Timeout(t *testing.T) {
	mock := &mockCmd{block: true}
	res, err := NewRunner(mock).Run(context.Background(), CommandConfig{Name: "slow", Command: "x", Timeout: 10 * time.Millisecond}, testInput("o"))
	if err != nil {
		t.Fatalf("timeout should be a failed result, got error %v", err)
	}
	if res.Passed || !strings.Contains(res.Summary, "timeout") {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestRunner_Command_AsCheck(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{ExitCode: 2, Stdout: "broken"}}}
	chk := NewRunner(mock).Command(CommandConfig{Name: "build", Command: "make"}, true)
	o := chk.Eval(context.Background(), testInput("o"))
	if o.Passed {
		t.Error("expected failure")
	}
	if !chk.Fundamental {
		t.Error("expected fundamental check")
	}
	if !strings.Contains(o.Summary, "broken") {
		t.Errorf("summary should include findings, got %q", o.Summary)
	}
}

func TestExecRunner(t *testing.T) {
	r := &ExecRunner{}
	stdout, _, code, err := r.Run(context.Background(), t.TempDir(), `cat; echo " $FACTORY_X"`, []string{"FACTORY_X=y"}, "in")
	if err != nil {
		t.Fatal(err)
	}
	if code != 0 || strings.TrimSpace(stdout) != "in y" {
		t.Errorf("code=%d stdout=%q", code, stdout)
	}

	_, _, code, err = r.Run(context.Background(), "", "exit 4", nil, "")
	if err != nil || code != 4 {
		t.Errorf("code=%d err=%v", code, err)
	}
}
