// Package graph keeps the dependency edges between work items and refuses
// any edge that would close a cycle.
package graph

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/lucasnoah/phasefactory/internal/pipeline"
)

// CycleError carries the offending path, first element repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return pipeline.ErrCycleDetected }

// Graph is a directed graph where an edge item -> dep means item depends on
// dep. It is not safe for concurrent use; the work queue owns it.
type Graph struct {
	deps  map[string]map[string]struct{}
	rdeps map[string]map[string]struct{}
}

func New() *Graph {
	return &Graph{
		deps:  make(map[string]map[string]struct{}),
		rdeps: make(map[string]map[string]struct{}),
	}
}

// AddNode registers id with no edges. Re-adding is a no-op.
func (g *Graph) AddNode(id string) {
	if _, ok := g.deps[id]; !ok {
		g.deps[id] = make(map[string]struct{})
		g.rdeps[id] = make(map[string]struct{})
	}
}

// Has reports whether id is a node.
func (g *Graph) Has(id string) bool {
	_, ok := g.deps[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.deps) }

// CheckEdge validates item -> dep without adding it.
func (g *Graph) CheckEdge(item, dep string) error {
	if item == dep {
		return &CycleError{Path: []string{item, item}}
	}
	if !g.Has(item) {
		return fmt.Errorf("item %s: %w", item, pipeline.ErrNotFound)
	}
	if !g.Has(dep) {
		return fmt.Errorf("dependency %s: %w", dep, pipeline.ErrNotFound)
	}
	if path := g.path(dep, item); path != nil {
		return &CycleError{Path: append([]string{item}, path...)}
	}
	return nil
}

// AddEdge records that item depends on dep. Adding an existing edge is a
// no-op.
func (g *Graph) AddEdge(item, dep string) error {
	if err := g.CheckEdge(item, dep); err != nil {
		return err
	}
	g.deps[item][dep] = struct{}{}
	g.rdeps[dep][item] = struct{}{}
	return nil
}

// path returns a dependency path from -> ... -> to, or nil. Iterative DFS,
// O(V+E).
func (g *Graph) path(from, to string) []string {
	parent := map[string]string{from: ""}
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			var p []string
			for cur := to; cur != ""; cur = parent[cur] {
				p = append(p, cur)
			}
			slices.Reverse(p)
			return p
		}
		for next := range g.deps[n] {
			if _, seen := parent[next]; !seen {
				parent[next] = n
				stack = append(stack, next)
			}
		}
	}
	return nil
}

// Dependencies returns the direct dependencies of id, sorted.
func (g *Graph) Dependencies(id string) []string {
	return slices.Sorted(maps.Keys(g.deps[id]))
}

// Dependents returns the items that directly depend on id, sorted.
func (g *Graph) Dependents(id string) []string {
	return slices.Sorted(maps.Keys(g.rdeps[id]))
}

// Clone returns an independent copy.
func (g *Graph) Clone() *Graph {
	c := New()
	for id, ds := range g.deps {
		c.deps[id] = maps.Clone(ds)
	}
	for id, ds := range g.rdeps {
		c.rdeps[id] = maps.Clone(ds)
	}
	return c
}

// TopoSort orders nodes so every node follows its dependencies. deps may
// name ids outside nodes; those are treated as already satisfied. Ties are
// broken by input order, which keeps plan admission deterministic.
func TopoSort(nodes []string, deps map[string][]string) ([]string, error) {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		index[n] = i
	}

	const (
		unvisited = iota
		visiting
		done
	)
	mark := make(map[string]int, len(nodes))
	out := make([]string, 0, len(nodes))
	var stack []string

	var visit func(n string) error
	visit = func(n string) error {
		switch mark[n] {
		case done:
			return nil
		case visiting:
			start := slices.Index(stack, n)
			return &CycleError{Path: append(slices.Clone(stack[start:]), n)}
		}
		mark[n] = visiting
		stack = append(stack, n)
		for _, d := range deps[n] {
			if _, internal := index[d]; !internal {
				continue
			}
			if err := visit(d); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		mark[n] = done
		out = append(out, n)
		return nil
	}

	for _, n := range nodes {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return out, nil
}
