package processors

import (
	"context"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/engine"
)

// VideoCompositor builds a virtual edit tree over its media inputs:
// inputs are composed onto a shared timeline, then the node's configured
// trim operations wrap the composition. Rendering happens downstream;
// this processor only describes the edit.
type VideoCompositor struct{}

// NewVideoCompositor creates the video compositor processor.
func NewVideoCompositor() *VideoCompositor { return &VideoCompositor{} }

// Type implements engine.Processor.
func (*VideoCompositor) Type() core.NodeType { return core.NodeTypeVideoCompositor }

// Process implements engine.Processor.
func (*VideoCompositor) Process(_ context.Context, in engine.ProcessorInput) engine.ProcessorResult {
	var children []*core.MediaTree
	for _, hv := range in.Resolver.AllInputValuesWithHandle(in.Node.ID) {
		if hv.Item == nil {
			continue
		}
		subtree, err := sourceTree(hv.Item)
		if err != nil {
			return engine.Failure("input %q: %v", hv.Handle.Label, err)
		}
		children = append(children, subtree)
	}
	if len(children) == 0 {
		return engine.Failure("video compositor has no media inputs")
	}

	tree := children[0]
	owned := false
	if len(children) > 1 {
		tree = &core.MediaTree{Operation: core.MediaOpCompose, Children: children}
		owned = true
	}

	// Trim operations wrap the composition inside-out: cut, then speed,
	// then crop.
	for _, op := range []struct {
		key string
		op  core.MediaOp
	}{
		{"cut", core.MediaOpCut},
		{"speed", core.MediaOpSpeed},
		{"crop", core.MediaOpCrop},
	} {
		if params := configMap(in.Node.Config, op.key); len(params) > 0 {
			tree = &core.MediaTree{
				Operation: op.op,
				Params:    params,
				Children:  []*core.MediaTree{tree},
			}
			owned = true
		}
	}

	// Only roots built here get derived metadata; a passthrough input
	// tree may be shared with the producing node's result.
	if owned {
		tree.SourceMeta = tree.DeriveMeta()
	}

	return engine.Success(core.SingleOutput(core.Item{
		Type:           core.DataTypeVideo,
		Data:           tree,
		OutputHandleID: outputHandleID(in),
	}))
}

var _ engine.Processor = (*VideoCompositor)(nil)
