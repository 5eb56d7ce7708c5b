// Package canvas computes canvas mutations and clones. It is pure: it
// never touches storage, it only transforms entity sets into plans that
// the store commits transactionally.
package canvas

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/loomworks/loom/core"
)

// TempIDPrefix marks client-allocated placeholder identifiers.
const TempIDPrefix = "temp-"

// Patch is a client-submitted bulk canvas update. A nil section leaves
// that entity kind untouched; a present section is the authoritative
// full set, so existing entities missing from it are deleted.
type Patch struct {
	Nodes   []*core.Node   `json:"nodes,omitempty"`
	Handles []*core.Handle `json:"handles,omitempty"`
	Edges   []*core.Edge   `json:"edges,omitempty"`
}

// IDMapping records the temp-to-real identifier allocations of one patch,
// returned to the client so it can reconcile optimistic state.
type IDMapping struct {
	Nodes   map[string]string `json:"nodes,omitempty"`
	Handles map[string]string `json:"handles,omitempty"`
	Edges   map[string]string `json:"edges,omitempty"`
}

// MutationPlan is the ordered set of writes a patch resolves to. The
// store executes the plan in a single transaction: deletes first (edges,
// handles, nodes), then creates and updates, then the version bump.
type MutationPlan struct {
	DeleteEdgeIDs   []string
	DeleteHandleIDs []string
	DeleteNodeIDs   []string

	CreateNodes   []*core.Node
	UpdateNodes   []*core.Node
	CreateHandles []*core.Handle
	UpdateHandles []*core.Handle
	CreateEdges   []*core.Edge
	UpdateEdges   []*core.Edge

	Mapping IDMapping
}

// MutationConfig carries the context a patch is resolved against.
type MutationConfig struct {
	Canvas    *core.Canvas
	Nodes     []*core.Node
	Handles   []*core.Handle
	Edges     []*core.Edge
	Templates map[string]*core.NodeTemplate
	Logger    *slog.Logger
	NewID     func() string
}

func (c *MutationConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *MutationConfig) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}

// IsTempID reports whether an identifier is a client-side placeholder.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// BuildMutation resolves a patch against the current canvas state into a
// MutationPlan. Temp IDs are allocated fresh server IDs; handle and edge
// references are rewritten through the allocation maps; handle-ID
// references embedded in node configs and results are fixed up; edges
// with unresolvable endpoints are dropped with a warning.
func BuildMutation(cfg MutationConfig, patch *Patch) (*MutationPlan, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}

	log := cfg.logger()
	existingNodes := indexNodes(cfg.Nodes)
	existingHandles := indexHandles(cfg.Handles)
	existingEdges := indexEdges(cfg.Edges)

	plan := &MutationPlan{
		Mapping: IDMapping{
			Nodes:   make(map[string]string),
			Handles: make(map[string]string),
			Edges:   make(map[string]string),
		},
	}

	// Nodes.
	finalNodeIDs := make(map[string]bool)
	if patch.Nodes != nil {
		keep := make(map[string]bool)
		for _, n := range patch.Nodes {
			node := *n
			node.CanvasID = cfg.Canvas.ID
			if IsTempID(n.ID) {
				node.ID = cfg.newID()
				plan.Mapping.Nodes[n.ID] = node.ID
				plan.CreateNodes = append(plan.CreateNodes, &node)
			} else if _, ok := existingNodes[n.ID]; ok {
				keep[n.ID] = true
				plan.UpdateNodes = append(plan.UpdateNodes, &node)
			} else {
				plan.CreateNodes = append(plan.CreateNodes, &node)
			}
			finalNodeIDs[node.ID] = true
		}
		for id := range existingNodes {
			if !keep[id] {
				plan.DeleteNodeIDs = append(plan.DeleteNodeIDs, id)
			}
		}
	} else {
		for id := range existingNodes {
			finalNodeIDs[id] = true
		}
	}

	// Handles.
	finalHandleIDs := make(map[string]bool)
	if patch.Handles != nil {
		keep := make(map[string]bool)
		for _, h := range patch.Handles {
			handle := *h
			handle.NodeID = mapID(plan.Mapping.Nodes, h.NodeID)
			if !finalNodeIDs[handle.NodeID] {
				log.Warn("dropping handle with unresolvable node",
					"handleId", h.ID, "nodeId", h.NodeID, "canvasId", cfg.Canvas.ID)
				continue
			}
			if IsTempID(h.ID) {
				handle.ID = cfg.newID()
				plan.Mapping.Handles[h.ID] = handle.ID
				plan.CreateHandles = append(plan.CreateHandles, &handle)
			} else if _, ok := existingHandles[h.ID]; ok {
				keep[h.ID] = true
				plan.UpdateHandles = append(plan.UpdateHandles, &handle)
			} else {
				plan.CreateHandles = append(plan.CreateHandles, &handle)
			}
			finalHandleIDs[handle.ID] = true
		}
		for id, h := range existingHandles {
			if keep[id] {
				continue
			}
			// Handles of surviving nodes stay unless explicitly replaced;
			// handles of deleted nodes go with their node.
			if finalNodeIDs[h.NodeID] {
				plan.DeleteHandleIDs = append(plan.DeleteHandleIDs, id)
			}
		}
	} else {
		for id, h := range existingHandles {
			if finalNodeIDs[h.NodeID] {
				finalHandleIDs[id] = true
			}
		}
	}

	// Edges.
	if patch.Edges != nil {
		keep := make(map[string]bool)
		for _, e := range patch.Edges {
			edge := *e
			edge.CanvasID = cfg.Canvas.ID
			edge.Source = mapID(plan.Mapping.Nodes, e.Source)
			edge.Target = mapID(plan.Mapping.Nodes, e.Target)
			edge.SourceHandleID = mapID(plan.Mapping.Handles, e.SourceHandleID)
			edge.TargetHandleID = mapID(plan.Mapping.Handles, e.TargetHandleID)

			if !finalNodeIDs[edge.Source] || !finalNodeIDs[edge.Target] ||
				!finalHandleIDs[edge.SourceHandleID] || !finalHandleIDs[edge.TargetHandleID] {
				log.Warn("dropping edge with unresolvable reference",
					"edgeId", e.ID, "source", edge.Source, "target", edge.Target,
					"canvasId", cfg.Canvas.ID)
				continue
			}

			if IsTempID(e.ID) {
				edge.ID = cfg.newID()
				plan.Mapping.Edges[e.ID] = edge.ID
				plan.CreateEdges = append(plan.CreateEdges, &edge)
			} else if _, ok := existingEdges[e.ID]; ok {
				keep[e.ID] = true
				plan.UpdateEdges = append(plan.UpdateEdges, &edge)
			} else {
				plan.CreateEdges = append(plan.CreateEdges, &edge)
			}
		}
		for id := range existingEdges {
			if !keep[id] {
				plan.DeleteEdgeIDs = append(plan.DeleteEdgeIDs, id)
			}
		}
	} else {
		// Edges referencing deleted nodes or handles must not survive.
		for id, e := range existingEdges {
			if !finalNodeIDs[e.Source] || !finalNodeIDs[e.Target] ||
				!finalHandleIDs[e.SourceHandleID] || !finalHandleIDs[e.TargetHandleID] {
				plan.DeleteEdgeIDs = append(plan.DeleteEdgeIDs, id)
			}
		}
	}

	// Reference fixup over every created or updated node.
	for _, n := range plan.CreateNodes {
		n.Config = RewriteConfigHandleRefs(n.Config, plan.Mapping.Handles)
		RewriteResultHandleRefs(n.Result, plan.Mapping.Handles)
	}
	for _, n := range plan.UpdateNodes {
		n.Config = RewriteConfigHandleRefs(n.Config, plan.Mapping.Handles)
		RewriteResultHandleRefs(n.Result, plan.Mapping.Handles)
		applyTerminalResultRule(n, existingNodes[n.ID], cfg.Templates)
	}

	return plan, nil
}

// applyTerminalResultRule keeps a terminal node's historical outputs: the
// patch may move selectedOutputIndex but never replaces the outputs.
func applyTerminalResultRule(updated, existing *core.Node, templates map[string]*core.NodeTemplate) {
	if existing == nil || existing.Result == nil {
		return
	}
	tmpl := templates[updated.TemplateID]
	if tmpl == nil || !tmpl.IsTerminalNode {
		return
	}
	preserved := existing.Result.Clone()
	if updated.Result != nil {
		preserved.SelectedOutputIndex = updated.Result.SelectedOutputIndex
	}
	preserved.ClampSelected()
	updated.Result = preserved
}

func validatePatch(patch *Patch) error {
	if patch == nil {
		return fmt.Errorf("%w: empty patch body", core.ErrInvalidPatch)
	}
	for _, n := range patch.Nodes {
		if n == nil || n.ID == "" {
			return fmt.Errorf("%w: node without id", core.ErrInvalidPatch)
		}
		if n.Type == "" {
			return fmt.Errorf("%w: node %s without type", core.ErrInvalidPatch, n.ID)
		}
	}
	for _, h := range patch.Handles {
		if h == nil || h.ID == "" {
			return fmt.Errorf("%w: handle without id", core.ErrInvalidPatch)
		}
		if h.NodeID == "" {
			return fmt.Errorf("%w: handle %s without node", core.ErrInvalidPatch, h.ID)
		}
		if len(h.DataTypes) == 0 {
			return fmt.Errorf("%w: handle %s without data types", core.ErrInvalidPatch, h.ID)
		}
		if h.Type != core.HandleInput && h.Type != core.HandleOutput {
			return fmt.Errorf("%w: handle %s with type %q", core.ErrInvalidPatch, h.ID, h.Type)
		}
	}
	for _, e := range patch.Edges {
		if e == nil || e.ID == "" {
			return fmt.Errorf("%w: edge without id", core.ErrInvalidPatch)
		}
	}
	return nil
}

func mapID(mapping map[string]string, id string) string {
	if real, ok := mapping[id]; ok {
		return real
	}
	return id
}

func indexNodes(nodes []*core.Node) map[string]*core.Node {
	m := make(map[string]*core.Node, len(nodes))
	for _, n := range nodes {
		m[n.ID] = n
	}
	return m
}

func indexHandles(handles []*core.Handle) map[string]*core.Handle {
	m := make(map[string]*core.Handle, len(handles))
	for _, h := range handles {
		m[h.ID] = h
	}
	return m
}

func indexEdges(edges []*core.Edge) map[string]*core.Edge {
	m := make(map[string]*core.Edge, len(edges))
	for _, e := range edges {
		m[e.ID] = e
	}
	return m
}
