// Package llm talks to the language models executors and the reviewer
// use. Every client is a Client; Evaluator layers PASS/FAIL parsing on top.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/lucasnoah/phasefactory/internal/metrics"
)

// ErrEmptyResponse is returned when a model answers with nothing.
var ErrEmptyResponse = errors.New("empty model response")

// Client sends one prompt and returns the model's text.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CommandClient runs a one-shot CLI such as `claude --print`. The prompt
// is passed as the final argument.
type CommandClient struct {
	Command string
	Args    []string
}

// NewCommandClient returns a client for `claude --print`, with --model
// added when model is set.
func NewCommandClient(command, model string) *CommandClient {
	if command == "" {
		command = "claude"
	}
	args := []string{"--print"}
	if model != "" {
		args = append(args, "--model", model)
	}
	return &CommandClient{Command: command, Args: args}
}

func (c *CommandClient) Complete(ctx context.Context, prompt string) (string, error) {
	args := append(append([]string(nil), c.Args...), prompt)
	cmd := exec.CommandContext(ctx, c.Command, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%s %s: %s: %w", c.Command, strings.Join(c.Args, " "), strings.TrimSpace(string(out)), err)
	}
	text := strings.TrimSpace(string(out))
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// OpenAIConfig configures an OpenAI-compatible chat endpoint.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	System  string
}

// OpenAIClient calls a chat completion endpoint.
type OpenAIClient struct {
	client *openai.Client
	model  string
	system string
}

// NewOpenAIClient builds a client. An empty APIKey falls back to
// OPENAI_API_KEY; an empty Model to gpt-4o-mini.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai evaluator: OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.System == "" {
		cfg.System = "You are a strict reviewer. Follow the requested answer format exactly."
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(oc), model: cfg.Model, system: cfg.System}, nil
}

func (o *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// StaticClient answers from a function, or with Reply when Fn is nil. It
// records every prompt it sees.
type StaticClient struct {
	Reply string
	Err   error
	Fn    func(prompt string) (string, error)

	mu      sync.Mutex
	prompts []string
}

func (s *StaticClient) Complete(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.Fn != nil {
		return s.Fn(prompt)
	}
	return s.Reply, s.Err
}

// Prompts returns the prompts seen so far.
func (s *StaticClient) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// Limited wraps a client with a token bucket. Waiting for a token honours
// ctx.
type Limited struct {
	Client
	limiter *rate.Limiter
}

// NewLimited allows perSecond calls per second with the given burst. A
// non-positive rate disables limiting.
func NewLimited(c Client, perSecond float64, burst int) Client {
	if perSecond <= 0 {
		return c
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{Client: c, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limited) Complete(ctx context.Context, prompt string) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}
	return l.Client.Complete(ctx, prompt)
}

// Reason is one line of evaluator feedback.
type Reason struct {
	Text        string
	Fundamental bool
}

// Evaluation is a parsed evaluator answer.
type Evaluation struct {
	Pass      bool
	Reasons   []Reason
	Rationale string
}

// Evaluator judges a rendered review prompt.
type Evaluator interface {
	Evaluate(ctx context.Context, prompt string) (Evaluation, error)
}

// ClientEvaluator asks a Client and parses the answer.
type ClientEvaluator struct {
	Client Client
}

func (e ClientEvaluator) Evaluate(ctx context.Context, prompt string) (Evaluation, error) {
	text, err := e.Client.Complete(ctx, prompt)
	if err != nil {
		metrics.EvaluatorCalls.WithLabelValues("error").Inc()
		return Evaluation{}, err
	}
	ev, err := ParseEvaluation(text)
	if err != nil {
		metrics.EvaluatorCalls.WithLabelValues("unparseable").Inc()
		return Evaluation{}, err
	}
	if ev.Pass {
		metrics.EvaluatorCalls.WithLabelValues("pass").Inc()
	} else {
		metrics.EvaluatorCalls.WithLabelValues("fail").Inc()
	}
	return ev, nil
}

const fundamentalPrefix = "FUNDAMENTAL:"

// ParseEvaluation reads an answer whose first non-blank line is PASS or
// FAIL. Following lines are reasons; a leading "-" or "*" is dropped and a
// FUNDAMENTAL: prefix marks the reason as fundamental.
func ParseEvaluation(text string) (Evaluation, error) {
	ev := Evaluation{Rationale: strings.TrimSpace(text)}
	lines := strings.Split(ev.Rationale, "\n")
	head := ""
	i := 0
	for ; i < len(lines); i++ {
		if head = strings.TrimSpace(lines[i]); head != "" {
			break
		}
	}
	verdict := strings.ToUpper(strings.Trim(head, "*#:. "))
	switch {
	case strings.HasPrefix(verdict, "PASS"):
		ev.Pass = true
	case strings.HasPrefix(verdict, "FAIL"):
	default:
		return Evaluation{}, fmt.Errorf("evaluator answer does not start with PASS or FAIL: %q", head)
	}
	for _, l := range lines[i+1:] {
		l = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(l), "-*"))
		if l == "" {
			continue
		}
		r := Reason{Text: l}
		if strings.HasPrefix(strings.ToUpper(l), fundamentalPrefix) {
			r.Fundamental = true
			r.Text = strings.TrimSpace(l[len(fundamentalPrefix):])
		}
		ev.Reasons = append(ev.Reasons, r)
	}
	if !ev.Pass && len(ev.Reasons) == 0 {
		ev.Reasons = []Reason{{Text: "evaluator rejected without a reason"}}
	}
	return ev, nil
}
