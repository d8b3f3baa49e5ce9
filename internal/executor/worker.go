package executor

import (
	"context"
	"fmt"

	appctx "github.com/lucasnoah/phasefactory/internal/context"
	"github.com/lucasnoah/phasefactory/internal/llm"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
	"github.com/lucasnoah/phasefactory/internal/queue"
)

// Env is what a step works with. Steps read Prompt and earlier Output and
// write Output; the final Output is the phase result.
type Env struct {
	Item    pipeline.WorkItem
	Context appctx.Payload
	Prompt  string
	Output  string
	// Spawn asks the orchestrator for sub-work under Item and returns the
	// new item's id.
	Spawn func(ctx context.Context, req queue.SubmitRequest) (string, error)
}

// Step is one unit of phase work. The executor checks for cancellation and
// reports progress between steps.
type Step struct {
	Name string
	Run  func(ctx context.Context, env *Env) error
}

// Worker decides the steps for an item's current phase.
type Worker interface {
	Steps(env *Env) ([]Step, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(env *Env) ([]Step, error)

func (f WorkerFunc) Steps(env *Env) ([]Step, error) { return f(env) }

// LLMWorker sends the rendered phase prompt to a model in one step.
type LLMWorker struct {
	Client llm.Client
}

func (w LLMWorker) Steps(env *Env) ([]Step, error) {
	if w.Client == nil {
		return nil, fmt.Errorf("no model client configured")
	}
	return []Step{{
		Name: "generate",
		Run: func(ctx context.Context, env *Env) error {
			out, err := w.Client.Complete(ctx, env.Prompt)
			if err != nil {
				return err
			}
			env.Output = out
			return nil
		},
	}}, nil
}
