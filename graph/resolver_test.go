package graph

import (
	"errors"
	"testing"

	"github.com/loomworks/loom/core"
)

// twoNodeSnapshot builds: source (text output "out") -> sink (text input "prompt").
func twoNodeSnapshot(sourceResult *core.ResultEnvelope) *Snapshot {
	canvas := &core.Canvas{ID: "c1"}
	nodes := []*core.Node{
		{ID: "source", CanvasID: "c1", Type: core.NodeTypeText, Result: sourceResult},
		{ID: "sink", CanvasID: "c1", Type: core.NodeTypeLLM},
	}
	handles := []*core.Handle{
		{ID: "out", NodeID: "source", Type: core.HandleOutput, DataTypes: []core.DataType{core.DataTypeText}, Label: "text", Order: 0},
		{ID: "prompt", NodeID: "sink", Type: core.HandleInput, DataTypes: []core.DataType{core.DataTypeText}, Label: "prompt", Required: true, Order: 0},
		{ID: "extra", NodeID: "sink", Type: core.HandleInput, DataTypes: []core.DataType{core.DataTypeImage}, Label: "image", Order: 1},
	}
	edges := []*core.Edge{
		{ID: "e1", CanvasID: "c1", Source: "source", Target: "sink", SourceHandleID: "out", TargetHandleID: "prompt"},
	}
	return NewSnapshot(canvas, nodes, handles, edges)
}

func TestResolver_InputValue_Resolved(t *testing.T) {
	result := core.SingleOutput(core.Item{
		Type:           core.DataTypeText,
		Data:           core.Primitive{Value: "hello"},
		OutputHandleID: "out",
	})
	r := NewResolver(twoNodeSnapshot(result), nil)

	item, err := r.InputValue("sink", true, InputQuery{DataType: core.DataTypeText, Label: "prompt"})
	if err != nil {
		t.Fatalf("InputValue() error = %v", err)
	}
	if item == nil {
		t.Fatal("item is nil")
	}
	if item.Data.(core.Primitive).Value != "hello" {
		t.Errorf("item value = %v, want 'hello'", item.Data)
	}
}

func TestResolver_InputValue_RequiredMissingUpstream(t *testing.T) {
	r := NewResolver(twoNodeSnapshot(nil), nil)
	_, err := r.InputValue("sink", true, InputQuery{DataType: core.DataTypeText, Label: "prompt"})
	if !errors.Is(err, core.ErrMissingRequiredInput) {
		t.Errorf("error = %v, want ErrMissingRequiredInput", err)
	}
}

func TestResolver_InputValue_OptionalMissingIsNil(t *testing.T) {
	r := NewResolver(twoNodeSnapshot(nil), nil)
	item, err := r.InputValue("sink", false, InputQuery{DataType: core.DataTypeImage, Label: "image"})
	if err != nil {
		t.Fatalf("InputValue() error = %v", err)
	}
	if item != nil {
		t.Errorf("item = %v, want nil for unresolved optional input", item)
	}
}

func TestResolver_InputValue_NoMatchingHandle(t *testing.T) {
	r := NewResolver(twoNodeSnapshot(nil), nil)
	_, err := r.InputValue("sink", true, InputQuery{DataType: core.DataTypeVideo, Label: "clip"})
	if !errors.Is(err, core.ErrMissingRequiredInput) {
		t.Errorf("error = %v, want ErrMissingRequiredInput", err)
	}
}

func TestResolver_InputValue_SelectsBySourceHandle(t *testing.T) {
	// Source result with two items attributed to different output handles;
	// the edge points at "out", so the other item must not leak through.
	result := core.SingleOutput(
		core.Item{Type: core.DataTypeText, Data: core.Primitive{Value: "wrong"}, OutputHandleID: "other"},
		core.Item{Type: core.DataTypeText, Data: core.Primitive{Value: "right"}, OutputHandleID: "out"},
	)
	r := NewResolver(twoNodeSnapshot(result), nil)

	item, err := r.InputValue("sink", true, InputQuery{DataType: core.DataTypeText, Label: "prompt"})
	if err != nil {
		t.Fatalf("InputValue() error = %v", err)
	}
	if item.Data.(core.Primitive).Value != "right" {
		t.Errorf("item value = %v, want 'right'", item.Data)
	}
}

func TestResolver_InputValuesByType(t *testing.T) {
	result := core.SingleOutput(core.Item{
		Type:           core.DataTypeText,
		Data:           core.Primitive{Value: "hello"},
		OutputHandleID: "out",
	})
	r := NewResolver(twoNodeSnapshot(result), nil)

	texts := r.InputValuesByType("sink", core.DataTypeText)
	if len(texts) != 1 {
		t.Fatalf("len(texts) = %d, want 1", len(texts))
	}
	images := r.InputValuesByType("sink", core.DataTypeImage)
	if len(images) != 0 {
		t.Errorf("len(images) = %d, want 0 (unconnected)", len(images))
	}
}

func TestResolver_AllInputValuesWithHandle_PreservesOrder(t *testing.T) {
	result := core.SingleOutput(core.Item{
		Type:           core.DataTypeText,
		Data:           core.Primitive{Value: "hello"},
		OutputHandleID: "out",
	})
	r := NewResolver(twoNodeSnapshot(result), nil)

	all := r.AllInputValuesWithHandle("sink")
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
	if all[0].Handle.Label != "prompt" || all[1].Handle.Label != "image" {
		t.Errorf("handle order = [%s %s], want [prompt image]", all[0].Handle.Label, all[1].Handle.Label)
	}
	if all[0].Item == nil {
		t.Error("prompt input should be resolved")
	}
	if all[1].Item != nil {
		t.Error("image input should be unresolved")
	}
}

func TestSnapshot_SetResult_VisibleToResolver(t *testing.T) {
	snap := twoNodeSnapshot(nil)
	r := NewResolver(snap, nil)

	if _, err := r.InputValue("sink", true, InputQuery{DataType: core.DataTypeText, Label: "prompt"}); err == nil {
		t.Fatal("expected error before result is set")
	}
	snap.SetResult("source", core.SingleOutput(core.Item{
		Type:           core.DataTypeText,
		Data:           core.Primitive{Value: "late"},
		OutputHandleID: "out",
	}))
	item, err := r.InputValue("sink", true, InputQuery{DataType: core.DataTypeText, Label: "prompt"})
	if err != nil {
		t.Fatalf("InputValue() after SetResult error = %v", err)
	}
	if item.Data.(core.Primitive).Value != "late" {
		t.Errorf("item value = %v, want 'late'", item.Data)
	}
}
