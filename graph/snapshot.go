// Package graph provides the canvas snapshot, dependency analysis, and
// the per-node input resolver used during workflow execution.
package graph

import (
	"sort"

	"github.com/loomworks/loom/core"
)

// Snapshot is an immutable-by-convention view of one canvas: its nodes,
// handles, edges, and each node's current result. Planning and execution
// operate on a snapshot; the only sanctioned mutation is SetResult, which
// the executor uses to make earlier task results visible to later tasks.
type Snapshot struct {
	Canvas *core.Canvas

	nodes       map[string]*core.Node
	handles     map[string]*core.Handle
	edges       []*core.Edge
	nodeHandles map[string][]*core.Handle
	edgeByInput map[string]*core.Edge
}

// NewSnapshot indexes the given entities into a snapshot.
// Handle slices per node are kept sorted by handle order.
func NewSnapshot(canvas *core.Canvas, nodes []*core.Node, handles []*core.Handle, edges []*core.Edge) *Snapshot {
	s := &Snapshot{
		Canvas:      canvas,
		nodes:       make(map[string]*core.Node, len(nodes)),
		handles:     make(map[string]*core.Handle, len(handles)),
		edges:       edges,
		nodeHandles: make(map[string][]*core.Handle),
		edgeByInput: make(map[string]*core.Edge, len(edges)),
	}
	for _, n := range nodes {
		s.nodes[n.ID] = n
	}
	for _, h := range handles {
		s.handles[h.ID] = h
		s.nodeHandles[h.NodeID] = append(s.nodeHandles[h.NodeID], h)
	}
	for _, hs := range s.nodeHandles {
		sort.SliceStable(hs, func(i, j int) bool { return hs[i].Order < hs[j].Order })
	}
	// A given target handle receives at most one edge; keep the first.
	for _, e := range edges {
		if _, ok := s.edgeByInput[e.TargetHandleID]; !ok {
			s.edgeByInput[e.TargetHandleID] = e
		}
	}
	return s
}

// Node returns the node with the given id.
func (s *Snapshot) Node(id string) (*core.Node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// Nodes returns all nodes in the snapshot (unordered).
func (s *Snapshot) Nodes() []*core.Node {
	out := make([]*core.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}

// NodeIDs returns the ids of all nodes in the snapshot (unordered).
func (s *Snapshot) NodeIDs() []string {
	out := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		out = append(out, id)
	}
	return out
}

// Handle returns the handle with the given id.
func (s *Snapshot) Handle(id string) (*core.Handle, bool) {
	h, ok := s.handles[id]
	return h, ok
}

// HandlesFor returns the handles of a node sorted by order.
func (s *Snapshot) HandlesFor(nodeID string) []*core.Handle {
	return s.nodeHandles[nodeID]
}

// InputHandles returns a node's input handles sorted by order.
func (s *Snapshot) InputHandles(nodeID string) []*core.Handle {
	var out []*core.Handle
	for _, h := range s.nodeHandles[nodeID] {
		if h.Type == core.HandleInput {
			out = append(out, h)
		}
	}
	return out
}

// OutputHandles returns a node's output handles sorted by order.
func (s *Snapshot) OutputHandles(nodeID string) []*core.Handle {
	var out []*core.Handle
	for _, h := range s.nodeHandles[nodeID] {
		if h.Type == core.HandleOutput {
			out = append(out, h)
		}
	}
	return out
}

// Edges returns all edges in the snapshot.
func (s *Snapshot) Edges() []*core.Edge {
	return s.edges
}

// EdgeIntoHandle returns the unique edge targeting the given input handle.
func (s *Snapshot) EdgeIntoHandle(targetHandleID string) (*core.Edge, bool) {
	e, ok := s.edgeByInput[targetHandleID]
	return e, ok
}

// SetResult replaces a node's result in the snapshot. Used by the
// executor to refresh upstream results between tasks.
func (s *Snapshot) SetResult(nodeID string, result *core.ResultEnvelope) {
	if n, ok := s.nodes[nodeID]; ok {
		n.Result = result
	}
}

// UpstreamNodeIDs returns the ids of nodes feeding the given node.
func (s *Snapshot) UpstreamNodeIDs(nodeID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range s.edges {
		if e.Target == nodeID && !seen[e.Source] {
			seen[e.Source] = true
			out = append(out, e.Source)
		}
	}
	return out
}
