package canvas

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/core"
)

// DuplicateOptions controls a canvas clone.
type DuplicateOptions struct {
	IsAPICanvas   bool
	KeepResults   bool
	OwnerOverride string
	Name          string
	NewID         func() string
}

func (o *DuplicateOptions) newID() string {
	if o.NewID != nil {
		return o.NewID()
	}
	return uuid.NewString()
}

// Clone is the output of Duplicate: a complete new canvas tree whose
// internal references all point at freshly allocated IDs. The source
// entities are never mutated.
type Clone struct {
	Canvas  *core.Canvas
	Nodes   []*core.Node
	Handles []*core.Handle
	Edges   []*core.Edge

	NodeIDs   map[string]string // source node id -> new node id
	HandleIDs map[string]string // source handle id -> new handle id
}

// Duplicate deep-copies a canvas. Three passes: copy nodes and handles
// while recording the two ID maps, rewrite config and result references
// through the handle map, then copy edges through both maps. Edges whose
// mapping is incomplete are skipped.
func Duplicate(src *core.Canvas, nodes []*core.Node, handles []*core.Handle, edges []*core.Edge, opts DuplicateOptions) *Clone {
	now := time.Now().UTC()
	name := opts.Name
	if name == "" {
		name = src.Name
	}
	owner := src.OwnerID
	if opts.OwnerOverride != "" {
		owner = opts.OwnerOverride
	}

	clone := &Clone{
		Canvas: &core.Canvas{
			ID:               opts.newID(),
			OwnerID:          owner,
			Name:             name,
			Version:          1,
			OriginalCanvasID: src.ID,
			IsAPICanvas:      opts.IsAPICanvas,
			CreatedAt:        now,
			UpdatedAt:        now,
		},
		NodeIDs:   make(map[string]string, len(nodes)),
		HandleIDs: make(map[string]string, len(handles)),
	}

	// First pass: nodes and handles, building the ID maps.
	for _, n := range nodes {
		copied := *n
		copied.ID = opts.newID()
		copied.CanvasID = clone.Canvas.ID
		copied.OriginalNodeID = n.ID
		copied.Config = copyConfig(n.Config)
		copied.Result = nil
		if opts.KeepResults && n.Result != nil {
			copied.Result = n.Result.Clone()
		}
		clone.NodeIDs[n.ID] = copied.ID
		clone.Nodes = append(clone.Nodes, &copied)
	}
	for _, h := range handles {
		newNodeID, ok := clone.NodeIDs[h.NodeID]
		if !ok {
			continue
		}
		copied := *h
		copied.ID = opts.newID()
		copied.NodeID = newNodeID
		clone.HandleIDs[h.ID] = copied.ID
		clone.Handles = append(clone.Handles, &copied)
	}

	// Second pass: rewrite intra-node references through the handle map.
	for _, n := range clone.Nodes {
		n.Config = RewriteConfigHandleRefs(n.Config, clone.HandleIDs)
		RewriteResultHandleRefs(n.Result, clone.HandleIDs)
	}

	// Third pass: edges through both maps.
	for _, e := range edges {
		source, okS := clone.NodeIDs[e.Source]
		target, okT := clone.NodeIDs[e.Target]
		sourceHandle, okSH := clone.HandleIDs[e.SourceHandleID]
		targetHandle, okTH := clone.HandleIDs[e.TargetHandleID]
		if !okS || !okT || !okSH || !okTH {
			continue
		}
		clone.Edges = append(clone.Edges, &core.Edge{
			ID:             opts.newID(),
			CanvasID:       clone.Canvas.ID,
			Source:         source,
			Target:         target,
			SourceHandleID: sourceHandle,
			TargetHandleID: targetHandle,
		})
	}

	return clone
}

// copyConfig deep-copies a config map so the clone never shares nested
// structures with the source node.
func copyConfig(config map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	data, err := json.Marshal(config)
	if err != nil {
		panic(fmt.Sprintf("canvas: config not serializable: %v", err))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("canvas: config round-trip failed: %v", err))
	}
	return out
}
