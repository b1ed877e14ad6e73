package orchestrator

import (
	"fmt"
	"sort"
)

// dependencyGraph models a plan's steps as a DAG. Edges point from a step
// to the steps it depends on.
type dependencyGraph struct {
	steps map[string]Step
	edges map[string][]string
}

// buildGraph constructs and validates the graph for a step list. Duplicate
// ids, unknown dependencies and cycles are rejected.
func buildGraph(steps []Step) (*dependencyGraph, error) {
	g := &dependencyGraph{
		steps: make(map[string]Step, len(steps)),
		edges: make(map[string][]string, len(steps)),
	}

	for _, step := range steps {
		if step.ID == "" {
			return nil, fmt.Errorf("step id cannot be empty")
		}
		if _, exists := g.steps[step.ID]; exists {
			return nil, fmt.Errorf("duplicate step id: %s", step.ID)
		}
		g.steps[step.ID] = step
		g.edges[step.ID] = nil
	}

	for _, step := range steps {
		for _, depID := range step.DependsOn {
			if _, exists := g.steps[depID]; !exists {
				return nil, fmt.Errorf("step %s depends on unknown step %s", step.ID, depID)
			}
			g.edges[step.ID] = append(g.edges[step.ID], depID)
		}
	}

	if g.hasCycle() {
		return nil, ErrDependencyCycle
	}

	return g, nil
}

// hasCycle detects back edges with depth-first search and coloring.
// 0 = unvisited, 1 = in progress, 2 = done.
func (g *dependencyGraph) hasCycle() bool {
	colors := make(map[string]int, len(g.steps))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for id := range g.steps {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}

	return false
}

// batches groups step ids into topological layers: every step's
// dependencies live in an earlier layer. Steps within a layer are
// independent of each other and sorted by Order for determinism.
func (g *dependencyGraph) batches() [][]string {
	placed := make(map[string]bool, len(g.steps))
	var layers [][]string

	for len(placed) < len(g.steps) {
		var layer []string
		for id := range g.steps {
			if placed[id] {
				continue
			}
			ready := true
			for _, depID := range g.edges[id] {
				if !placed[depID] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, id)
			}
		}

		sort.Slice(layer, func(i, j int) bool {
			a, b := g.steps[layer[i]], g.steps[layer[j]]
			if a.Order != b.Order {
				return a.Order < b.Order
			}
			return a.ID < b.ID
		})

		for _, id := range layer {
			placed[id] = true
		}
		layers = append(layers, layer)
	}

	return layers
}

// order returns step ids in a sequential execution order: topological,
// breaking ties by Order then id.
func (g *dependencyGraph) order() []string {
	var sequence []string
	for _, layer := range g.batches() {
		sequence = append(sequence, layer...)
	}
	return sequence
}

// sequentialOrder returns every step id sorted by ascending Order, ties
// broken by id. The sequential strategy runs exactly this sequence.
func (g *dependencyGraph) sequentialOrder() []string {
	ids := make([]string, 0, len(g.steps))
	for id := range g.steps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := g.steps[ids[i]], g.steps[ids[j]]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.ID < b.ID
	})
	return ids
}

// dependents returns the ids of steps that transitively depend on any of
// the given step ids.
func (g *dependencyGraph) dependents(roots []string) []string {
	tainted := make(map[string]bool, len(roots))
	for _, id := range roots {
		tainted[id] = true
	}

	// Propagate along reverse edges until stable
	for changed := true; changed; {
		changed = false
		for id, deps := range g.edges {
			if tainted[id] {
				continue
			}
			for _, depID := range deps {
				if tainted[depID] {
					tainted[id] = true
					changed = true
					break
				}
			}
		}
	}

	var result []string
	for id := range tainted {
		isRoot := false
		for _, root := range roots {
			if id == root {
				isRoot = true
				break
			}
		}
		if !isRoot {
			result = append(result, id)
		}
	}
	sort.Strings(result)
	return result
}
