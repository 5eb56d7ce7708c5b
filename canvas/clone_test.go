package canvas

import (
	"testing"

	"github.com/loomworks/loom/core"
)

func sourceTree() (*core.Canvas, []*core.Node, []*core.Handle, []*core.Edge) {
	canvas := &core.Canvas{ID: "src", OwnerID: "alice", Name: "Original", Version: 7}
	nodes := []*core.Node{
		{ID: "n1", CanvasID: "src", Type: core.NodeTypeText, Name: "Text",
			Result: core.SingleOutput(core.Item{
				Type: core.DataTypeText, Data: core.Primitive{Value: "hi"}, OutputHandleID: "h1",
			})},
		{ID: "n2", CanvasID: "src", Type: core.NodeTypeCompositor, Name: "Comp",
			Config: map[string]any{
				"layerUpdates": map[string]any{
					"h2": map[string]any{"opacity": 1.0, "inputHandleId": "h2"},
				},
			}},
	}
	handles := []*core.Handle{
		{ID: "h1", NodeID: "n1", Type: core.HandleOutput, DataTypes: []core.DataType{core.DataTypeText}},
		{ID: "h2", NodeID: "n2", Type: core.HandleInput, DataTypes: []core.DataType{core.DataTypeText}},
	}
	edges := []*core.Edge{
		{ID: "e1", CanvasID: "src", Source: "n1", Target: "n2", SourceHandleID: "h1", TargetHandleID: "h2"},
	}
	return canvas, nodes, handles, edges
}

func TestDuplicate_NoSourceReferencesLeak(t *testing.T) {
	src, nodes, handles, edges := sourceTree()
	clone := Duplicate(src, nodes, handles, edges, DuplicateOptions{KeepResults: true})

	if clone.Canvas.ID == src.ID {
		t.Fatal("clone canvas shares the source id")
	}
	if clone.Canvas.OriginalCanvasID != "src" {
		t.Errorf("OriginalCanvasID = %q, want src", clone.Canvas.OriginalCanvasID)
	}

	oldNodeIDs := map[string]bool{"n1": true, "n2": true}
	oldHandleIDs := map[string]bool{"h1": true, "h2": true}
	newNodeIDs := make(map[string]bool)
	newHandleIDs := make(map[string]bool)
	for _, n := range clone.Nodes {
		if oldNodeIDs[n.ID] {
			t.Errorf("clone node kept source id %q", n.ID)
		}
		newNodeIDs[n.ID] = true
		if n.CanvasID != clone.Canvas.ID {
			t.Errorf("node canvas = %q, want %q", n.CanvasID, clone.Canvas.ID)
		}
	}
	for _, h := range clone.Handles {
		if oldHandleIDs[h.ID] {
			t.Errorf("clone handle kept source id %q", h.ID)
		}
		newHandleIDs[h.ID] = true
		if !newNodeIDs[h.NodeID] {
			t.Errorf("handle %q references node %q outside the clone", h.ID, h.NodeID)
		}
	}
	for _, e := range clone.Edges {
		if !newNodeIDs[e.Source] || !newNodeIDs[e.Target] {
			t.Errorf("edge %q references nodes outside the clone", e.ID)
		}
		if !newHandleIDs[e.SourceHandleID] || !newHandleIDs[e.TargetHandleID] {
			t.Errorf("edge %q references handles outside the clone", e.ID)
		}
	}
}

func TestDuplicate_RewritesConfigAndResultRefs(t *testing.T) {
	src, nodes, handles, edges := sourceTree()
	clone := Duplicate(src, nodes, handles, edges, DuplicateOptions{KeepResults: true})

	newH1 := clone.HandleIDs["h1"]
	newH2 := clone.HandleIDs["h2"]

	var textNode, compNode *core.Node
	for _, n := range clone.Nodes {
		switch n.OriginalNodeID {
		case "n1":
			textNode = n
		case "n2":
			compNode = n
		}
	}
	if textNode == nil || compNode == nil {
		t.Fatal("clone missing nodes")
	}

	item := textNode.Result.Outputs[0].Items[0]
	if item.OutputHandleID != newH1 {
		t.Errorf("result outputHandleId = %q, want %q", item.OutputHandleID, newH1)
	}

	layers := compNode.Config["layerUpdates"].(map[string]any)
	layer, ok := layers[newH2]
	if !ok {
		t.Fatalf("layerUpdates keys = %v, want key %q", layers, newH2)
	}
	if inner := layer.(map[string]any)["inputHandleId"]; inner != newH2 {
		t.Errorf("inputHandleId = %v, want %q", inner, newH2)
	}
}

func TestDuplicate_DropsResultsByDefault(t *testing.T) {
	src, nodes, handles, edges := sourceTree()
	clone := Duplicate(src, nodes, handles, edges, DuplicateOptions{})
	for _, n := range clone.Nodes {
		if n.Result != nil {
			t.Errorf("node %q kept a result without keepResults", n.OriginalNodeID)
		}
	}
}

func TestDuplicate_DoesNotMutateSource(t *testing.T) {
	src, nodes, handles, edges := sourceTree()
	Duplicate(src, nodes, handles, edges, DuplicateOptions{KeepResults: true})

	if nodes[0].Result.Outputs[0].Items[0].OutputHandleID != "h1" {
		t.Error("source result was mutated")
	}
	layers := nodes[1].Config["layerUpdates"].(map[string]any)
	if _, ok := layers["h2"]; !ok {
		t.Error("source config was mutated")
	}
	if nodes[0].CanvasID != "src" {
		t.Error("source node canvas id changed")
	}
}

func TestDuplicate_OwnerOverrideAndFlags(t *testing.T) {
	src, nodes, handles, edges := sourceTree()
	clone := Duplicate(src, nodes, handles, edges, DuplicateOptions{
		IsAPICanvas:   true,
		OwnerOverride: "service",
	})
	if !clone.Canvas.IsAPICanvas {
		t.Error("IsAPICanvas not set")
	}
	if clone.Canvas.OwnerID != "service" {
		t.Errorf("OwnerID = %q, want service", clone.Canvas.OwnerID)
	}
	if clone.Canvas.Version != 1 {
		t.Errorf("Version = %d, want 1 for a fresh canvas", clone.Canvas.Version)
	}
}
