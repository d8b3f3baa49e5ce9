package context

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// tokens returns content estimated at exactly n tokens.
func tokens(n int) string { return strings.Repeat("abcd", n) }

func ids(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func newCorpus(t *testing.T, entries ...Entry) *Corpus {
	t.Helper()
	c := NewCorpus()
	require.NoError(t, c.Add(entries...))
	return c
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

func TestBuild_RelevanceFilter(t *testing.T) {
	c := newCorpus(t,
		Entry{ID: "go-style", Category: Supporting, Keywords: []string{"go"}, Content: tokens(2)},
		Entry{ID: "java-style", Category: Supporting, Keywords: []string{"java"}, Content: tokens(2)},
		Entry{ID: "house-rules", Category: General, Content: tokens(2)},
	)
	b := NewBuilder(c, Options{})
	p := b.Build(pipeline.WorkItem{ID: "w", Phase: pipeline.PhasePromptToSpec, Keywords: []string{"Go"}}, 100)

	assert.ElementsMatch(t, []string{"go-style", "house-rules"}, ids(p.Entries()))
	assert.Empty(t, p.Evicted)
}

func TestBuild_TopK(t *testing.T) {
	c := newCorpus(t,
		Entry{ID: "a", Keywords: []string{"x", "y"}, Content: tokens(1)},
		Entry{ID: "b", Keywords: []string{"x"}, Content: tokens(1)},
		Entry{ID: "c", Keywords: []string{"x"}, Content: tokens(1), Priority: 3},
	)
	b := NewBuilder(c, Options{TopK: 2})
	p := b.Build(pipeline.WorkItem{ID: "w", Keywords: []string{"x", "y"}}, 100)
	assert.Equal(t, []string{"a", "c"}, ids(p.Entries()))
}

func TestBuild_EvictsLowestPriorityFirst(t *testing.T) {
	c := newCorpus(t,
		Entry{ID: "low", Category: Supporting, Priority: 1, Content: tokens(10)},
		Entry{ID: "mid", Category: Supporting, Priority: 5, Content: tokens(10)},
		Entry{ID: "high", Category: Supporting, Priority: 9, Content: tokens(10)},
	)
	b := NewBuilder(c, Options{Shares: Shares{Supporting: 20}})
	p := b.Build(pipeline.WorkItem{ID: "w"}, 100)

	assert.Equal(t, []string{"low"}, p.Evicted)
	assert.ElementsMatch(t, []string{"mid", "high"}, ids(p.Entries()))
	assert.Equal(t, 20, p.Used)
}

func TestBuild_EvictsLeastRecentlyUsedAmongEquals(t *testing.T) {
	c := newCorpus(t,
		Entry{ID: "fresh", Category: General, Priority: 5, Content: tokens(10), LastUsed: t0.Add(time.Hour)},
		Entry{ID: "stale", Category: General, Priority: 5, Content: tokens(10), LastUsed: t0},
		Entry{ID: "never", Category: General, Priority: 5, Content: tokens(10)},
	)
	b := NewBuilder(c, Options{Shares: Shares{General: 10}, Now: func() time.Time { return t0.Add(2 * time.Hour) }})
	p := b.Build(pipeline.WorkItem{ID: "w"}, 100)

	assert.Equal(t, []string{"never", "stale"}, p.Evicted)
	assert.Equal(t, []string{"fresh"}, ids(p.Entries()))

	for _, e := range c.Entries() {
		if e.ID == "fresh" {
			assert.Equal(t, t0.Add(2*time.Hour), e.LastUsed)
		}
	}
}

func TestBuild_LeftoverFlowsDown(t *testing.T) {
	c := newCorpus(t,
		Entry{ID: "g1", Category: General, Content: tokens(30)},
		Entry{ID: "g2", Category: General, Content: tokens(30)},
	)
	b := NewBuilder(c, Options{})
	p := b.Build(pipeline.WorkItem{ID: "w"}, 100)

	require.Len(t, p.Sections, 3)
	assert.Equal(t, 50, p.Sections[0].Share)
	assert.Equal(t, 80, p.Sections[1].Share)
	assert.Equal(t, 100, p.Sections[2].Share)
	assert.Equal(t, 60, p.Used)
	assert.Empty(t, p.Evicted)
}

func TestBuild_NeverExceedsBudget(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	c := NewCorpus()
	for i := 0; i < 60; i++ {
		require.NoError(t, c.Add(Entry{
			ID:       fmt.Sprintf("e%02d", i),
			Category: Categories[rng.Intn(len(Categories))],
			Priority: rng.Intn(10),
			Content:  tokens(1 + rng.Intn(40)),
		}))
	}
	b := NewBuilder(c, Options{})
	item := pipeline.WorkItem{
		ID:             "w",
		Output:         tokens(25),
		ReviewFeedback: []pipeline.Feedback{{Phase: pipeline.PhaseSpecToFullSpec, Reason: "too vague"}},
	}
	for _, budget := range []int{0, 1, 7, 50, 99, 250, 1000, 5000} {
		p := b.Build(item, budget)
		assert.LessOrEqual(t, p.Used, budget, "budget %d", budget)
		sum := 0
		for _, s := range p.Sections {
			assert.LessOrEqual(t, s.Used, s.Share, "budget %d %s", budget, s.Category)
			sum += s.Used
		}
		assert.Equal(t, p.Used, sum)
		assert.Equal(t, len(p.Entries())+len(p.Evicted), 62, "budget %d", budget)
	}
}

func TestBuild_ItemHistoryIsCritical(t *testing.T) {
	c := newCorpus(t, Entry{ID: "rules", Category: General, Content: "Keep functions small."})
	b := NewBuilder(c, Options{})
	item := pipeline.WorkItem{
		ID:              "w",
		Phase:           pipeline.PhaseFullSpecToPlan,
		AttemptCount:    1,
		Output:          "draft plan",
		SuccessCriteria: []string{"tests pass"},
		ReviewFeedback: []pipeline.Feedback{
			{Phase: pipeline.PhaseFullSpecToPlan, Reason: "missing rollback"},
		},
	}
	p := b.Build(item, 1000)

	require.NotEmpty(t, p.Sections[0].Entries)
	assert.Equal(t, "w/feedback", p.Sections[0].Entries[0].ID)
	assert.Equal(t, "missing rollback", p.Vars["review_feedback"])
	assert.Equal(t, "draft plan", p.Vars["prior_output"])
	assert.Equal(t, "2", p.Vars["attempt"])
	assert.Equal(t, "full_spec_to_plan", p.Vars["phase"])
	assert.Equal(t, "- tests pass", p.Vars["success_criteria"])
	assert.Contains(t, p.Vars["context"], "Keep functions small.")
	assert.NotContains(t, p.Vars["context"], "draft plan")
}

func TestShares_Validate(t *testing.T) {
	assert.NoError(t, DefaultShares.Validate())
	assert.Error(t, Shares{Critical: 60, Supporting: 30, General: 20}.Validate())
	assert.Error(t, Shares{Critical: -1}.Validate())
}

func TestCorpus_AddRejectsBadEntries(t *testing.T) {
	c := NewCorpus()
	assert.Error(t, c.Add(Entry{Content: "x"}))
	assert.Error(t, c.Add(Entry{ID: "x", Category: "urgent"}))
	require.NoError(t, c.Add(Entry{ID: "x"}))
	assert.Equal(t, General, c.Entries()[0].Category)
}

func TestCorpus_LoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`entries:
  - id: style
    category: supporting
    priority: 4
    keywords: [go, style]
    content: |
      Use gofmt.
  - id: glossary
    content: Terms.
`), 0o644))

	c := NewCorpus()
	n, err := c.LoadYAML(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries := c.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "glossary", entries[0].ID)
	assert.Equal(t, General, entries[0].Category)
	assert.Equal(t, Supporting, entries[1].Category)
	assert.Equal(t, []string{"go", "style"}, entries[1].Keywords)
	assert.Equal(t, path, entries[1].Source)
}

func TestCorpus_Learn(t *testing.T) {
	c := NewCorpus()
	require.NoError(t, c.Learn(pipeline.WorkItem{ID: "w", Phase: pipeline.PhasePromptToSpec}))
	assert.Equal(t, 0, c.Len())

	require.NoError(t, c.Learn(pipeline.WorkItem{
		ID: "w", Phase: pipeline.PhasePromptToSpec,
		Spec: []byte(`"build a rate limiter"`), Output: "spec text",
	}))
	entries := c.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "learned/w/prompt_to_spec", entries[0].ID)
	assert.Contains(t, entries[0].Keywords, "limiter")

	b := NewBuilder(c, Options{})
	p := b.Build(pipeline.WorkItem{ID: "v", Spec: []byte(`"another limiter"`)}, 100)
	assert.Equal(t, []string{"learned/w/prompt_to_spec"}, ids(p.Entries()))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"build", "rate", "limiter"}, Tokenize("Build a rate-limiter, a RATE limiter!"))
}
