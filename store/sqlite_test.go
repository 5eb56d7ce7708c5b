package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/loomworks/loom/canvas"
	"github.com/loomworks/loom/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{DSN: filepath.Join(t.TempDir(), "loom.db")})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedCanvas(t *testing.T, s *Store, id string) {
	t.Helper()
	if err := s.CreateCanvas(context.Background(), &core.Canvas{ID: id, OwnerID: "alice", Name: "Canvas " + id}); err != nil {
		t.Fatalf("CreateCanvas(%s) error = %v", id, err)
	}
}

func TestStore_CanvasCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedCanvas(t, s, "c1")

	got, err := s.GetCanvas(ctx, "c1")
	if err != nil {
		t.Fatalf("GetCanvas() error = %v", err)
	}
	if got.Name != "Canvas c1" || got.Version != 1 || got.OwnerID != "alice" {
		t.Errorf("canvas = %+v", got)
	}

	if err := s.RenameCanvas(ctx, "c1", "Renamed"); err != nil {
		t.Fatalf("RenameCanvas() error = %v", err)
	}
	got, _ = s.GetCanvas(ctx, "c1")
	if got.Name != "Renamed" {
		t.Errorf("Name = %q, want Renamed", got.Name)
	}

	list, err := s.ListCanvases(ctx, "alice")
	if err != nil {
		t.Fatalf("ListCanvases() error = %v", err)
	}
	if len(list) != 1 {
		t.Errorf("len(list) = %d, want 1", len(list))
	}

	if err := s.DeleteCanvas(ctx, "c1"); err != nil {
		t.Fatalf("DeleteCanvas() error = %v", err)
	}
	if _, err := s.GetCanvas(ctx, "c1"); !errors.Is(err, core.ErrCanvasNotFound) {
		t.Errorf("GetCanvas() after delete error = %v, want ErrCanvasNotFound", err)
	}
	if err := s.DeleteCanvas(ctx, "c1"); !errors.Is(err, core.ErrCanvasNotFound) {
		t.Errorf("DeleteCanvas() twice error = %v, want ErrCanvasNotFound", err)
	}
}

func TestStore_CreateAndLoadCanvasTree(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tree := &CanvasTree{
		Canvas: &core.Canvas{ID: "c1", Name: "Tree"},
		Nodes: []*core.Node{
			{ID: "n1", CanvasID: "c1", Type: core.NodeTypeText, Name: "Text",
				Config: map[string]any{"content": "hi"},
				Result: core.SingleOutput(core.Item{
					Type: core.DataTypeText, Data: core.Primitive{Value: "hi"}, OutputHandleID: "h1",
				})},
			{ID: "n2", CanvasID: "c1", Type: core.NodeTypeLLM, Name: "LLM"},
		},
		Handles: []*core.Handle{
			{ID: "h1", NodeID: "n1", Type: core.HandleOutput, DataTypes: []core.DataType{core.DataTypeText}, Label: "text"},
			{ID: "h2", NodeID: "n2", Type: core.HandleInput, DataTypes: []core.DataType{core.DataTypeText}, Label: "prompt", Required: true},
		},
		Edges: []*core.Edge{
			{ID: "e1", CanvasID: "c1", Source: "n1", Target: "n2", SourceHandleID: "h1", TargetHandleID: "h2"},
		},
	}
	if err := s.CreateCanvasTree(ctx, tree); err != nil {
		t.Fatalf("CreateCanvasTree() error = %v", err)
	}

	loaded, err := s.LoadCanvasTree(ctx, "c1")
	if err != nil {
		t.Fatalf("LoadCanvasTree() error = %v", err)
	}
	if len(loaded.Nodes) != 2 || len(loaded.Handles) != 2 || len(loaded.Edges) != 1 {
		t.Fatalf("tree shape = %d nodes, %d handles, %d edges",
			len(loaded.Nodes), len(loaded.Handles), len(loaded.Edges))
	}
	for _, n := range loaded.Nodes {
		if n.ID != "n1" {
			continue
		}
		if n.Config["content"] != "hi" {
			t.Errorf("config = %v", n.Config)
		}
		if n.Result == nil {
			t.Fatal("result not persisted")
		}
		item := n.Result.Outputs[0].Items[0]
		if item.Data.(core.Primitive).Value != "hi" {
			t.Errorf("result item = %v", item.Data)
		}
	}
	for _, h := range loaded.Handles {
		if h.ID == "h2" && (!h.Required || h.Label != "prompt") {
			t.Errorf("handle = %+v", h)
		}
	}
}

func TestStore_EdgeRequiresExistingEndpoints(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tree := &CanvasTree{
		Canvas: &core.Canvas{ID: "c1", Name: "Tree"},
		Nodes:  []*core.Node{{ID: "n1", CanvasID: "c1", Type: core.NodeTypeText}},
		Handles: []*core.Handle{
			{ID: "h1", NodeID: "n1", Type: core.HandleOutput, DataTypes: []core.DataType{core.DataTypeText}},
		},
		Edges: []*core.Edge{
			{ID: "e1", CanvasID: "c1", Source: "n1", Target: "ghost", SourceHandleID: "h1", TargetHandleID: "h-ghost"},
		},
	}
	if err := s.CreateCanvasTree(ctx, tree); err == nil {
		t.Fatal("CreateCanvasTree() accepted an edge to a missing node")
	}
}

func TestStore_DeletingNodeCascadesEdges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tree := &CanvasTree{
		Canvas: &core.Canvas{ID: "c1", Name: "Tree"},
		Nodes: []*core.Node{
			{ID: "n1", CanvasID: "c1", Type: core.NodeTypeText},
			{ID: "n2", CanvasID: "c1", Type: core.NodeTypeLLM},
		},
		Handles: []*core.Handle{
			{ID: "h1", NodeID: "n1", Type: core.HandleOutput, DataTypes: []core.DataType{core.DataTypeText}},
			{ID: "h2", NodeID: "n2", Type: core.HandleInput, DataTypes: []core.DataType{core.DataTypeText}},
		},
		Edges: []*core.Edge{
			{ID: "e1", CanvasID: "c1", Source: "n1", Target: "n2", SourceHandleID: "h1", TargetHandleID: "h2"},
		},
	}
	if err := s.CreateCanvasTree(ctx, tree); err != nil {
		t.Fatalf("CreateCanvasTree() error = %v", err)
	}

	if _, err := s.ApplyMutation(ctx, "c1", &canvas.MutationPlan{
		DeleteNodeIDs: []string{"n2"},
	}); err != nil {
		t.Fatalf("ApplyMutation() error = %v", err)
	}
	loaded, err := s.LoadCanvasTree(ctx, "c1")
	if err != nil {
		t.Fatalf("LoadCanvasTree() error = %v", err)
	}
	if len(loaded.Edges) != 0 {
		t.Errorf("len(edges) = %d, want 0 (edge of deleted node removed)", len(loaded.Edges))
	}
	if len(loaded.Handles) != 1 {
		t.Errorf("len(handles) = %d, want 1 (deleted node's handle removed)", len(loaded.Handles))
	}
}

func TestStore_ApplyMutation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCanvas(t, s, "c1")

	plan := &canvas.MutationPlan{
		CreateNodes: []*core.Node{
			{ID: "n1", CanvasID: "c1", Type: core.NodeTypeText, Name: "Text"},
		},
		CreateHandles: []*core.Handle{
			{ID: "h1", NodeID: "n1", Type: core.HandleOutput, DataTypes: []core.DataType{core.DataTypeText}},
		},
	}
	version, err := s.ApplyMutation(ctx, "c1", plan)
	if err != nil {
		t.Fatalf("ApplyMutation() error = %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}

	// Second mutation: update the node, delete nothing.
	plan2 := &canvas.MutationPlan{
		UpdateNodes: []*core.Node{
			{ID: "n1", CanvasID: "c1", Type: core.NodeTypeText, Name: "Edited"},
		},
	}
	version, err = s.ApplyMutation(ctx, "c1", plan2)
	if err != nil {
		t.Fatalf("ApplyMutation() second error = %v", err)
	}
	if version != 3 {
		t.Errorf("version = %d, want 3", version)
	}
	node, err := s.GetNode(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNode() error = %v", err)
	}
	if node.Name != "Edited" {
		t.Errorf("node name = %q, want Edited", node.Name)
	}

	// Deletes run edges-handles-nodes, so removing the node takes its
	// handle with it.
	plan3 := &canvas.MutationPlan{
		DeleteHandleIDs: []string{"h1"},
		DeleteNodeIDs:   []string{"n1"},
	}
	if _, err := s.ApplyMutation(ctx, "c1", plan3); err != nil {
		t.Fatalf("ApplyMutation() delete error = %v", err)
	}
	if _, err := s.GetNode(ctx, "n1"); !errors.Is(err, core.ErrNodeNotFound) {
		t.Errorf("GetNode() after delete error = %v, want ErrNodeNotFound", err)
	}
}

func TestStore_ApplyMutation_SkipsDuplicateEdgeKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCanvas(t, s, "c1")

	base := &canvas.MutationPlan{
		CreateNodes: []*core.Node{
			{ID: "n1", CanvasID: "c1", Type: core.NodeTypeText},
			{ID: "n2", CanvasID: "c1", Type: core.NodeTypeText},
		},
		CreateHandles: []*core.Handle{
			{ID: "h1", NodeID: "n1", Type: core.HandleOutput, DataTypes: []core.DataType{core.DataTypeText}},
			{ID: "h2", NodeID: "n2", Type: core.HandleInput, DataTypes: []core.DataType{core.DataTypeText}},
		},
		CreateEdges: []*core.Edge{
			{ID: "e1", CanvasID: "c1", Source: "n1", Target: "n2", SourceHandleID: "h1", TargetHandleID: "h2"},
			{ID: "e2", CanvasID: "c1", Source: "n1", Target: "n2", SourceHandleID: "h1", TargetHandleID: "h2"},
		},
	}
	if _, err := s.ApplyMutation(ctx, "c1", base); err != nil {
		t.Fatalf("ApplyMutation() error = %v", err)
	}
	tree, err := s.LoadCanvasTree(ctx, "c1")
	if err != nil {
		t.Fatalf("LoadCanvasTree() error = %v", err)
	}
	if len(tree.Edges) != 1 {
		t.Errorf("len(edges) = %d, want 1 (duplicate key skipped)", len(tree.Edges))
	}
}

func TestStore_ApplyMutation_UnknownCanvas(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.ApplyMutation(context.Background(), "nope", &canvas.MutationPlan{}); !errors.Is(err, core.ErrCanvasNotFound) {
		t.Errorf("error = %v, want ErrCanvasNotFound", err)
	}
}

func TestStore_UpdateNodeResult(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCanvas(t, s, "c1")
	if _, err := s.ApplyMutation(ctx, "c1", &canvas.MutationPlan{
		CreateNodes: []*core.Node{{ID: "n1", CanvasID: "c1", Type: core.NodeTypeText}},
	}); err != nil {
		t.Fatalf("ApplyMutation() error = %v", err)
	}

	result := core.SingleOutput(core.Item{
		Type: core.DataTypeText, Data: core.Primitive{Value: "done"}, OutputHandleID: "h1",
	})
	if err := s.UpdateNodeResult(ctx, "n1", result); err != nil {
		t.Fatalf("UpdateNodeResult() error = %v", err)
	}
	node, _ := s.GetNode(ctx, "n1")
	if node.Result == nil || node.Result.Outputs[0].Items[0].Data.(core.Primitive).Value != "done" {
		t.Errorf("result = %+v", node.Result)
	}

	if err := s.UpdateNodeResult(ctx, "ghost", result); !errors.Is(err, core.ErrNodeNotFound) {
		t.Errorf("error = %v, want ErrNodeNotFound", err)
	}
}

func TestStore_Templates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tmpl := &core.NodeTemplate{
		ID: "export", Type: core.NodeTypeExport, DisplayName: "Export",
		IsTerminalNode: true,
		Handles: []core.HandleDef{
			{ID: "in", Type: core.HandleInput, DataTypes: []core.DataType{core.DataTypeImage}, Label: "input", Required: true},
		},
	}
	if err := s.SeedTemplates(ctx, []*core.NodeTemplate{tmpl}); err != nil {
		t.Fatalf("SeedTemplates() error = %v", err)
	}
	// Seeding twice must upsert, not fail.
	if err := s.SeedTemplates(ctx, []*core.NodeTemplate{tmpl}); err != nil {
		t.Fatalf("SeedTemplates() twice error = %v", err)
	}

	got, err := s.GetTemplate(ctx, "export")
	if err != nil {
		t.Fatalf("GetTemplate() error = %v", err)
	}
	if !got.IsTerminalNode || len(got.Handles) != 1 {
		t.Errorf("template = %+v", got)
	}
	if _, err := s.GetTemplate(ctx, "ghost"); !errors.Is(err, core.ErrTemplateNotFound) {
		t.Errorf("error = %v, want ErrTemplateNotFound", err)
	}
}

func TestStore_Assets(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	asset := &core.FileAsset{ID: "a1", Key: "k/a1.png", Bucket: "assets", MimeType: "image/png", Size: 42, Width: 640, Height: 480}
	if err := s.CreateAsset(ctx, asset); err != nil {
		t.Fatalf("CreateAsset() error = %v", err)
	}
	got, err := s.GetAsset(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAsset() error = %v", err)
	}
	if got.Key != "k/a1.png" || got.Width != 640 {
		t.Errorf("asset = %+v", got)
	}
	if _, err := s.GetAsset(ctx, "ghost"); !errors.Is(err, core.ErrAssetNotFound) {
		t.Errorf("error = %v, want ErrAssetNotFound", err)
	}
}
