package engine

import (
	"fmt"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/store"
)

// Plan is a computed run: the snapshot it operates on, the retained
// nodes in topological order, and which of them the user selected
// explicitly.
type Plan struct {
	Snapshot *graph.Snapshot
	Order    []string
	Selected map[string]bool
}

// BuildPlan computes the run plan for a canvas. A nil nodeIDs selects
// every node; an explicitly empty list selects nothing and yields an
// empty order. The necessary set is the upstream closure of the
// selection; terminal-typed nodes inside it are retained only when
// explicitly selected, so a run never re-executes Export or File
// ancestors the user did not ask for.
func BuildPlan(tree *store.CanvasTree, templates map[string]*core.NodeTemplate, nodeIDs []string) (*Plan, error) {
	snap := graph.NewSnapshot(tree.Canvas, tree.Nodes, tree.Handles, tree.Edges)
	deps := graph.BuildDeps(tree.Edges)

	selected := make(map[string]bool)
	var seeds []string
	if nodeIDs == nil {
		for _, n := range tree.Nodes {
			selected[n.ID] = true
			seeds = append(seeds, n.ID)
		}
	} else {
		for _, id := range nodeIDs {
			if _, ok := snap.Node(id); !ok {
				return nil, fmt.Errorf("%w: selected node %s not on canvas", core.ErrNodeNotFound, id)
			}
			selected[id] = true
			seeds = append(seeds, id)
		}
	}

	necessary := deps.UpstreamClosure(seeds)

	// Closure members must all be loadable nodes; an edge pointing at a
	// node the snapshot does not contain means the canvas is corrupt.
	for id := range necessary {
		if _, ok := snap.Node(id); !ok {
			return nil, fmt.Errorf("%w: edge references unknown node %s", core.ErrInconsistentCanvas, id)
		}
	}

	retained := make(map[string]bool, len(necessary))
	for id := range necessary {
		node, _ := snap.Node(id)
		if selected[id] || !isTerminalTemplate(templates, node) {
			retained[id] = true
		}
	}

	// Tie-breaks follow canvas load order, which keeps plans stable
	// across identical runs.
	orderHint := make([]string, 0, len(retained))
	for _, n := range tree.Nodes {
		if retained[n.ID] {
			orderHint = append(orderHint, n.ID)
		}
	}

	order, err := graph.TopoSort(retained, orderHint, tree.Edges)
	if err != nil {
		return nil, err
	}

	return &Plan{Snapshot: snap, Order: order, Selected: selected}, nil
}

func isTerminalTemplate(templates map[string]*core.NodeTemplate, node *core.Node) bool {
	if node == nil {
		return false
	}
	if t, ok := templates[node.TemplateID]; ok {
		return t.IsTerminalNode
	}
	// Nodes may reference a template by type when created programmatically.
	if t, ok := templates[string(node.Type)]; ok {
		return t.IsTerminalNode
	}
	return false
}

func isTransientTemplate(templates map[string]*core.NodeTemplate, node *core.Node) bool {
	if node == nil {
		return false
	}
	if t, ok := templates[node.TemplateID]; ok {
		return t.IsTransient
	}
	if t, ok := templates[string(node.Type)]; ok {
		return t.IsTransient
	}
	return false
}

func templateFor(templates map[string]*core.NodeTemplate, node *core.Node) *core.NodeTemplate {
	if node == nil {
		return nil
	}
	if t, ok := templates[node.TemplateID]; ok {
		return t
	}
	if t, ok := templates[string(node.Type)]; ok {
		return t
	}
	return nil
}
