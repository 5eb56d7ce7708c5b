package graph

import (
	"fmt"

	"github.com/loomworks/loom/core"
)

// Deps holds forward and reverse dependency adjacency for a set of edges.
// An edge source -> target means target depends on source.
type Deps struct {
	forward map[string][]string // source -> targets
	reverse map[string][]string // target -> sources
}

// BuildDeps constructs dependency adjacency from canvas edges.
// Duplicate node pairs (parallel edges through different handles) are
// collapsed to a single dependency.
func BuildDeps(edges []*core.Edge) *Deps {
	d := &Deps{
		forward: make(map[string][]string),
		reverse: make(map[string][]string),
	}
	seen := make(map[[2]string]bool)
	for _, e := range edges {
		key := [2]string{e.Source, e.Target}
		if seen[key] {
			continue
		}
		seen[key] = true
		d.forward[e.Source] = append(d.forward[e.Source], e.Target)
		d.reverse[e.Target] = append(d.reverse[e.Target], e.Source)
	}
	return d
}

// Upstream returns the direct dependencies of a node.
func (d *Deps) Upstream(nodeID string) []string {
	return d.reverse[nodeID]
}

// Downstream returns the direct dependents of a node.
func (d *Deps) Downstream(nodeID string) []string {
	return d.forward[nodeID]
}

// UpstreamClosure returns the seed set plus every transitive ancestor,
// found breadth-first over the reverse dependency graph.
func (d *Deps) UpstreamClosure(seed []string) map[string]bool {
	closure := make(map[string]bool, len(seed))
	queue := make([]string, 0, len(seed))
	for _, id := range seed {
		if !closure[id] {
			closure[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, up := range d.reverse[current] {
			if !closure[up] {
				closure[up] = true
				queue = append(queue, up)
			}
		}
	}
	return closure
}

// TopoSort orders the retained node ids topologically using Kahn's
// algorithm over the edges restricted to the retained set. The `order`
// argument fixes the tie-break among ready nodes (insertion order of the
// ready queue follows it). Returns core.ErrCycleDetected when the
// restricted subgraph contains a cycle.
func TopoSort(retained map[string]bool, order []string, edges []*core.Edge) ([]string, error) {
	inDegree := make(map[string]int, len(retained))
	forward := make(map[string][]string)
	seen := make(map[[2]string]bool)

	for id := range retained {
		inDegree[id] = 0
	}
	for _, e := range edges {
		if !retained[e.Source] || !retained[e.Target] {
			continue
		}
		key := [2]string{e.Source, e.Target}
		if seen[key] {
			continue
		}
		seen[key] = true
		forward[e.Source] = append(forward[e.Source], e.Target)
		inDegree[e.Target]++
	}

	queue := make([]string, 0, len(retained))
	for _, id := range order {
		if retained[id] && inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	result := make([]string, 0, len(retained))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, succ := range forward[current] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if len(result) != len(retained) {
		return nil, fmt.Errorf("%w: %d of %d nodes unordered",
			core.ErrCycleDetected, len(retained)-len(result), len(retained))
	}
	return result, nil
}
