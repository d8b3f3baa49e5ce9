package checks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Result holds the structured output of a command check run.
type Result struct {
	CheckName  string `json:"check_name"`
	Passed     bool   `json:"passed"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int    `json:"duration_ms"`
	Summary    string `json:"summary"`
	Findings   string `json:"findings,omitempty"`
}

// CommandConfig describes an external command check. The output under
// review is written to the command's stdin.
type CommandConfig struct {
	Name    string
	Command string
	Parser  string
	Timeout time.Duration
	Dir     string
}

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string, env []string, stdin string) (stdout, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir, command string, env []string, stdin string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = strings.NewReader(stdin)

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Runner executes command checks and parses their output.
type Runner struct {
	cmd     CommandRunner
	parsers map[string]Parser
}

// NewRunner creates a Runner with the given command runner.
func NewRunner(cmd CommandRunner) *Runner {
	return &Runner{
		cmd: cmd,
		parsers: map[string]Parser{
			"generic": &GenericParser{},
			"verdict": &VerdictParser{},
		},
	}
}

// Run executes a single command check against in.
func (r *Runner) Run(ctx context.Context, cfg CommandConfig, in Input) (*Result, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	env := []string{
		"FACTORY_ITEM_ID=" + in.Item.ID,
		"FACTORY_PHASE=" + in.Item.Phase.String(),
		"FACTORY_ATTEMPT=" + fmt.Sprint(in.Item.AttemptCount+1),
	}

	start := time.Now()
	stdout, stderr, exitCode, err := r.cmd.Run(ctx, cfg.Dir, cfg.Command, env, in.Item.Output)
	durationMs := int(time.Since(start).Milliseconds())

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Result{
				CheckName:  cfg.Name,
				ExitCode:   -1,
				DurationMs: durationMs,
				Summary:    fmt.Sprintf("timeout after %s", timeout),
			}, nil
		}
		return nil, fmt.Errorf("run check %q: %w", cfg.Name, err)
	}

	parser, ok := r.parsers[cfg.Parser]
	if !ok {
		parser = r.parsers["generic"]
	}
	parsed := parser.Parse(stdout, stderr, exitCode)

	return &Result{
		CheckName:  cfg.Name,
		Passed:     exitCode == 0 && parsed.Passed,
		ExitCode:   exitCode,
		DurationMs: durationMs,
		Summary:    parsed.Summary,
		Findings:   parsed.Findings,
	}, nil
}

// Command adapts a command config into a Check.
func (r *Runner) Command(cfg CommandConfig, fundamental bool) Check {
	return Check{
		Name:        cfg.Name,
		Fundamental: fundamental,
		Eval: func(ctx context.Context, in Input) Outcome {
			res, err := r.Run(ctx, cfg, in)
			if err != nil {
				return Outcome{Summary: err.Error()}
			}
			summary := res.Summary
			if !res.Passed && res.Findings != "" {
				summary += "\n" + res.Findings
			}
			return Outcome{Passed: res.Passed, Summary: summary}
		},
	}
}
