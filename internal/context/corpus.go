package context

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

// Corpus is the optimizer's store of candidate context. It is safe for
// concurrent use.
type Corpus struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewCorpus() *Corpus {
	return &Corpus{entries: make(map[string]Entry)}
}

// Add inserts or replaces entries by ID.
func (c *Corpus) Add(entries ...Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("context entry has no id")
		}
		if e.Category == "" {
			e.Category = General
		}
		if !e.Category.Valid() {
			return fmt.Errorf("context entry %s: unknown category %q", e.ID, e.Category)
		}
		if prev, ok := c.entries[e.ID]; ok && e.LastUsed.IsZero() {
			e.LastUsed = prev.LastUsed
		}
		c.entries[e.ID] = e
	}
	return nil
}

// Entries returns a copy of every entry sorted by ID.
func (c *Corpus) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		e.Keywords = slices.Clone(e.Keywords)
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Touch marks entries as used at t.
func (c *Corpus) Touch(ids []string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if e, ok := c.entries[id]; ok {
			e.LastUsed = t
			c.entries[id] = e
		}
	}
}

type corpusFile struct {
	Entries []Entry `yaml:"entries"`
}

// LoadYAML reads entries from a YAML file of the form
//
//	entries:
//	  - id: style-guide
//	    category: supporting
//	    priority: 5
//	    keywords: [go, style]
//	    content: |
//	      ...
func (c *Corpus) LoadYAML(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read corpus %s: %w", path, err)
	}
	var f corpusFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse corpus %s: %w", path, err)
	}
	for i := range f.Entries {
		if f.Entries[i].Source == "" {
			f.Entries[i].Source = path
		}
	}
	if err := c.Add(f.Entries...); err != nil {
		return 0, err
	}
	return len(f.Entries), nil
}

// Learn records a completed item's output so later items with overlapping
// keywords can draw on it.
func (c *Corpus) Learn(w pipeline.WorkItem) error {
	if strings.TrimSpace(w.Output) == "" {
		return nil
	}
	kw := slices.Clone(w.Keywords)
	if len(kw) == 0 {
		kw = Tokenize(string(w.Spec))
	}
	return c.Add(Entry{
		ID:       "learned/" + w.ID + "/" + w.Phase.String(),
		Category: Supporting,
		Priority: 1,
		Keywords: kw,
		Content:  w.Output,
		Source:   "learned",
	})
}

// KeywordScorer scores an entry by how many of its keywords appear in the
// item's keywords, role or spec. Entries without keywords score a flat
// 0.1 so general guidance is still eligible.
type KeywordScorer struct{}

func (KeywordScorer) Score(item *pipeline.WorkItem, e *Entry) float64 {
	if e.Source == sourceItem {
		return 1000
	}
	if len(e.Keywords) == 0 {
		return 0.1
	}
	terms := make(map[string]bool)
	for _, k := range item.Keywords {
		terms[strings.ToLower(k)] = true
	}
	if item.Role != "" {
		terms[strings.ToLower(item.Role)] = true
	}
	for _, t := range Tokenize(string(item.Spec)) {
		terms[t] = true
	}
	hits := 0
	for _, k := range e.Keywords {
		if terms[strings.ToLower(k)] {
			hits++
		}
	}
	return float64(hits)
}

// Tokenize lowercases s and splits it into distinct words of three or
// more letters.
func Tokenize(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(f)) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
