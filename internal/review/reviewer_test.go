package review

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/phasefactory/internal/actor"
	appctx "github.com/lucasnoah/phasefactory/internal/context"
	"github.com/lucasnoah/phasefactory/internal/llm"
	"github.com/lucasnoah/phasefactory/internal/optimizer"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
	"github.com/lucasnoah/phasefactory/internal/protocol"
)

func actx() *actor.Context {
	return &actor.Context{Context: context.Background(), Logger: slog.Default()}
}

func item(output string) pipeline.WorkItem {
	return pipeline.WorkItem{
		ID: "w1", Phase: pipeline.PhasePlanToArtifacts, State: pipeline.StateComplete,
		Spec: []byte(`"rate limiter"`), Output: output,
	}
}

func TestReview_ApproveIsCached(t *testing.T) {
	client := &llm.StaticClient{Reply: "PASS"}
	r := New(nil, nil, Options{Evaluator: llm.ClientEvaluator{Client: client}})

	v := r.Review(actx(), item("limiter done, tests cover refill"))
	require.True(t, v.Approve, v.Reasons)
	assert.False(t, v.Cached)
	assert.NotEmpty(t, v.Digest)

	again := r.Review(actx(), item("limiter done, tests cover refill"))
	assert.True(t, again.Approve)
	assert.True(t, again.Cached)
	assert.Equal(t, v.Digest, again.Digest)
	assert.Len(t, client.Prompts(), 1)

	// Different output, fresh review.
	r.Review(actx(), item("limiter rewritten, tests updated"))
	assert.Len(t, client.Prompts(), 2)
}

func TestReview_PromptCarriesOutput(t *testing.T) {
	client := &llm.StaticClient{Reply: "PASS"}
	r := New(nil, nil, Options{Evaluator: llm.ClientEvaluator{Client: client}})
	r.Review(actx(), item("the artifact body, tested"))
	require.Len(t, client.Prompts(), 1)
	assert.Contains(t, client.Prompts()[0], "the artifact body, tested")
	assert.Contains(t, client.Prompts()[0], "plan_to_artifacts")
}

func TestReview_MinorReject(t *testing.T) {
	client := &llm.StaticClient{Reply: "PASS"}
	r := New(nil, nil, Options{Evaluator: llm.ClientEvaluator{Client: client}})

	v := r.Review(actx(), item("limiter done. TODO: tests"))
	assert.False(t, v.Approve)
	assert.False(t, v.Fundamental)
	assert.Len(t, v.Reasons, 1)
	assert.Contains(t, v.Reasons[0], "no_placeholders")
}

func TestReview_FundamentalReject(t *testing.T) {
	client := &llm.StaticClient{Reply: "FAIL\nFUNDAMENTAL: the plan never covers persistence"}
	r := New(nil, nil, Options{Evaluator: llm.ClientEvaluator{Client: client}})

	v := r.Review(actx(), item("tests pass"))
	assert.False(t, v.Approve)
	assert.True(t, v.Fundamental)

	// Rejections are not cached.
	r.Review(actx(), item("tests pass"))
	assert.Len(t, client.Prompts(), 2)
}

func TestReview_EvaluatorErrorIsMinorReject(t *testing.T) {
	r := New(nil, nil, Options{Evaluator: llm.ClientEvaluator{Client: &llm.StaticClient{Err: errors.New("503")}}})
	v := r.Review(actx(), item("tests pass"))
	assert.False(t, v.Approve)
	assert.False(t, v.Fundamental)
	assert.Contains(t, v.Reasons[0], "evaluator unavailable")
}

type hangingEvaluator struct{}

func (hangingEvaluator) Evaluate(ctx context.Context, _ string) (llm.Evaluation, error) {
	<-ctx.Done()
	return llm.Evaluation{}, ctx.Err()
}

func TestReview_EvaluatorTimeout(t *testing.T) {
	r := New(nil, nil, Options{Evaluator: hangingEvaluator{}, Timeout: 10 * time.Millisecond})
	start := time.Now()
	v := r.Review(actx(), item("tests pass"))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, v.Approve)
	assert.Contains(t, v.Reasons[0], "deadline exceeded")
}

func TestReview_NoEvaluator(t *testing.T) {
	v := New(nil, nil, Options{}).Review(actx(), item("tests pass"))
	assert.False(t, v.Approve)
}

type collector struct {
	mu  sync.Mutex
	got []any
}

func (c *collector) Receive(_ *actor.Context, msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, msg)
	return nil
}

func (c *collector) results() []protocol.ReviewResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.ReviewResult
	for _, m := range c.got {
		if r, ok := m.(protocol.ReviewResult); ok {
			out = append(out, r)
		}
	}
	return out
}

func run(t *testing.T, ref *actor.Ref, a actor.Actor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = actor.Run(ctx, ref, a, actor.RunOptions{}) }()
}

func TestReviewer_ActorWithExitCriteria(t *testing.T) {
	orch := actor.NewRef("orchestrator", pipeline.RoleOrchestrator, 8)
	col := &collector{}
	run(t, orch, col)

	corpus := appctx.NewCorpus()
	opt := actor.NewRef("optimizer", pipeline.RoleOptimizer, 8)
	run(t, opt, optimizer.New(corpus, appctx.NewBuilder(corpus, appctx.Options{}), 1000))

	rev := actor.NewRef("reviewer", pipeline.RoleReviewer, 8)
	run(t, rev, New(orch, opt, Options{
		Evaluator:     llm.ClientEvaluator{Client: &llm.StaticClient{Reply: "PASS"}},
		ContextBudget: 200,
	}))

	w := item("limiter with tests")
	w.Keywords = []string{"redis"}
	require.True(t, rev.TryTell(protocol.ReviewRequest{Item: w}))

	require.Eventually(t, func() bool { return len(col.results()) == 1 }, time.Second, 5*time.Millisecond)
	res := col.results()[0]
	assert.Equal(t, pipeline.RoleReviewer, res.By)
	assert.False(t, res.Verdict.Approve)
	require.Len(t, res.Verdict.Reasons, 1)
	assert.Contains(t, res.Verdict.Reasons[0], "exit:keywords_covered")
}
