// Package context assembles the bounded context payload an executor works
// from. It is imported as appctx to keep clear of the standard library
// package.
package context

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/phasefactory/internal/metrics"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
	"github.com/lucasnoah/phasefactory/internal/prompt"
)

// Category is a budget bucket. Budget left over in one category flows to
// the next in Categories order.
type Category string

const (
	Critical   Category = "critical"
	Supporting Category = "supporting"
	General    Category = "general"
)

var Categories = []Category{Critical, Supporting, General}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return slices.Contains(Categories, c)
}

// Shares are whole-number percentages of the budget per category. They
// must not add up to more than 100.
type Shares struct {
	Critical   int `yaml:"critical" json:"critical"`
	Supporting int `yaml:"supporting" json:"supporting"`
	General    int `yaml:"general" json:"general"`
}

// DefaultShares is 50/30/20.
var DefaultShares = Shares{Critical: 50, Supporting: 30, General: 20}

func (s Shares) of(c Category) int {
	switch c {
	case Critical:
		return s.Critical
	case Supporting:
		return s.Supporting
	default:
		return s.General
	}
}

// Validate checks the percentages.
func (s Shares) Validate() error {
	for _, c := range Categories {
		if s.of(c) < 0 {
			return fmt.Errorf("share for %s is negative", c)
		}
	}
	if total := s.Critical + s.Supporting + s.General; total > 100 {
		return fmt.Errorf("shares add up to %d%%", total)
	}
	return nil
}

// Entry is one piece of candidate context.
type Entry struct {
	ID       string    `yaml:"id" json:"id"`
	Category Category  `yaml:"category" json:"category"`
	Priority int       `yaml:"priority" json:"priority"`
	Keywords []string  `yaml:"keywords" json:"keywords,omitempty"`
	Content  string    `yaml:"content" json:"content"`
	Source   string    `yaml:"source" json:"source,omitempty"`
	LastUsed time.Time `yaml:"-" json:"last_used,omitempty"`
}

// Scorer rates how relevant an entry is to an item. Only entries scoring
// above zero are considered.
type Scorer interface {
	Score(item *pipeline.WorkItem, e *Entry) float64
}

// EstimateTokens approximates a token count as one token per four runes.
func EstimateTokens(s string) int {
	n := len([]rune(s))
	return (n + 3) / 4
}

// Options configures a Builder.
type Options struct {
	Shares Shares
	// TopK caps how many relevant entries are considered. Zero means no cap.
	TopK     int
	Scorer   Scorer
	Estimate func(string) int
	Now      func() time.Time
}

// Builder picks relevant entries from a corpus and fits them to a budget.
type Builder struct {
	corpus *Corpus
	opts   Options
}

// NewBuilder creates a Builder. Zero options fall back to DefaultShares,
// KeywordScorer and EstimateTokens.
func NewBuilder(corpus *Corpus, opts Options) *Builder {
	if opts.Shares == (Shares{}) {
		opts.Shares = DefaultShares
	}
	if opts.Scorer == nil {
		opts.Scorer = KeywordScorer{}
	}
	if opts.Estimate == nil {
		opts.Estimate = EstimateTokens
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Builder{corpus: corpus, opts: opts}
}

// Section is what one category contributed.
type Section struct {
	Category Category `json:"category"`
	Share    int      `json:"share"`
	Used     int      `json:"used"`
	Entries  []Entry  `json:"entries"`
}

// Payload is the context handed to an executor.
type Payload struct {
	ItemID   string      `json:"item_id"`
	Budget   int         `json:"budget"`
	Used     int         `json:"used"`
	Sections []Section   `json:"sections"`
	Evicted  []string    `json:"evicted,omitempty"`
	Vars     prompt.Vars `json:"vars"`
}

// Entries returns every included entry in category order.
func (p Payload) Entries() []Entry {
	var out []Entry
	for _, s := range p.Sections {
		out = append(out, s.Entries...)
	}
	return out
}

type candidate struct {
	entry  Entry
	score  float64
	tokens int
}

// Build assembles the payload for item within budget tokens. It never
// fails for lack of room: entries that do not fit are evicted, lowest
// priority first and least recently used first among equals.
func (b *Builder) Build(item pipeline.WorkItem, budget int) Payload {
	if budget < 0 {
		budget = 0
	}
	p := Payload{ItemID: item.ID, Budget: budget}

	var cands []candidate
	for _, e := range append(itemEntries(&item), b.corpus.Entries()...) {
		s := b.opts.Scorer.Score(&item, &e)
		if s <= 0 {
			continue
		}
		cands = append(cands, candidate{entry: e, score: s, tokens: b.opts.Estimate(e.Content)})
	}
	slices.SortFunc(cands, func(a, c candidate) int {
		if r := cmp.Compare(c.score, a.score); r != 0 {
			return r
		}
		if r := cmp.Compare(c.entry.Priority, a.entry.Priority); r != 0 {
			return r
		}
		return cmp.Compare(a.entry.ID, c.entry.ID)
	})
	if b.opts.TopK > 0 && len(cands) > b.opts.TopK {
		cands = cands[:b.opts.TopK]
	}

	byCat := make(map[Category][]candidate)
	for _, c := range cands {
		cat := c.entry.Category
		if !cat.Valid() {
			cat = General
		}
		byCat[cat] = append(byCat[cat], c)
	}

	carry := 0
	var used []string
	for _, cat := range Categories {
		share := budget*b.opts.Shares.of(cat)/100 + carry
		kept, evicted := fit(byCat[cat], share)
		sec := Section{Category: cat, Share: share}
		for _, c := range kept {
			sec.Entries = append(sec.Entries, c.entry)
			sec.Used += c.tokens
			if c.entry.Source != sourceItem {
				used = append(used, c.entry.ID)
			}
		}
		for _, c := range evicted {
			p.Evicted = append(p.Evicted, c.entry.ID)
			metrics.ContextEvictions.WithLabelValues(string(cat)).Inc()
		}
		carry = share - sec.Used
		p.Used += sec.Used
		p.Sections = append(p.Sections, sec)
	}

	b.corpus.Touch(used, b.opts.Now())
	p.Vars = vars(item, p)
	return p
}

// fit evicts from cands until their tokens fit share. Eviction order is
// priority asc, then LastUsed asc, then ID. Survivors keep relevance order.
func fit(cands []candidate, share int) (kept, evicted []candidate) {
	total := 0
	for _, c := range cands {
		total += c.tokens
	}
	if total <= share {
		return cands, nil
	}
	order := slices.Clone(cands)
	slices.SortFunc(order, func(a, c candidate) int {
		if r := cmp.Compare(a.entry.Priority, c.entry.Priority); r != 0 {
			return r
		}
		if r := a.entry.LastUsed.Compare(c.entry.LastUsed); r != 0 {
			return r
		}
		return cmp.Compare(a.entry.ID, c.entry.ID)
	})
	gone := make(map[string]bool)
	for _, c := range order {
		if total <= share {
			break
		}
		gone[c.entry.ID] = true
		total -= c.tokens
		evicted = append(evicted, c)
	}
	for _, c := range cands {
		if !gone[c.entry.ID] {
			kept = append(kept, c)
		}
	}
	return kept, evicted
}

const sourceItem = "item"

// itemEntries turns the item's own history into critical context: the
// latest review feedback and the previous phase output.
func itemEntries(w *pipeline.WorkItem) []Entry {
	var out []Entry
	if n := len(w.ReviewFeedback); n > 0 {
		var sb strings.Builder
		for _, f := range w.ReviewFeedback[max(0, n-3):] {
			fmt.Fprintf(&sb, "- [%s] %s\n", f.Phase, f.Reason)
		}
		out = append(out, Entry{
			ID: w.ID + "/feedback", Category: Critical, Priority: 100,
			Content: sb.String(), Source: sourceItem,
		})
	}
	if w.Output != "" {
		out = append(out, Entry{
			ID: w.ID + "/output", Category: Critical, Priority: 90,
			Content: w.Output, Source: sourceItem,
		})
	}
	return out
}

func vars(w pipeline.WorkItem, p Payload) prompt.Vars {
	v := prompt.Vars{
		"item_id":  w.ID,
		"phase":    w.Phase.String(),
		"attempt":  strconv.Itoa(w.AttemptCount + 1),
		"spec":     string(w.Spec),
		"keywords": strings.Join(w.Keywords, ", "),
		"role":     w.Role,
	}
	if n := len(w.ReviewFeedback); n > 0 {
		v["review_feedback"] = w.ReviewFeedback[n-1].Reason
	}
	if w.Output != "" {
		v["prior_output"] = w.Output
	}
	if len(w.Constraints) > 0 {
		v["constraints"] = "- " + strings.Join(w.Constraints, "\n- ")
	}
	if len(w.SuccessCriteria) > 0 {
		v["success_criteria"] = "- " + strings.Join(w.SuccessCriteria, "\n- ")
	}

	var sb strings.Builder
	for _, s := range p.Sections {
		for _, e := range s.Entries {
			if e.Source == sourceItem {
				continue
			}
			fmt.Fprintf(&sb, "### %s (%s)\n%s\n\n", e.ID, s.Category, strings.TrimSpace(e.Content))
		}
	}
	if sb.Len() > 0 {
		v["context"] = strings.TrimSpace(sb.String())
	}
	return v
}
