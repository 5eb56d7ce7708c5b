package processors

import (
	"context"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/engine"
)

// Compositor stacks its media inputs into a virtual compose tree. Layer
// placement comes from the node's "layerUpdates" config, keyed by the
// input handle the layer arrives on. The output is a media tree; nothing
// is rasterized here.
type Compositor struct{}

// NewCompositor creates the compositor processor.
func NewCompositor() *Compositor { return &Compositor{} }

// Type implements engine.Processor.
func (*Compositor) Type() core.NodeType { return core.NodeTypeCompositor }

// Process implements engine.Processor.
func (*Compositor) Process(_ context.Context, in engine.ProcessorInput) engine.ProcessorResult {
	layerUpdates := configMap(in.Node.Config, "layerUpdates")

	var children []*core.MediaTree
	for _, hv := range in.Resolver.AllInputValuesWithHandle(in.Node.ID) {
		if hv.Item == nil {
			continue
		}
		subtree, err := sourceTree(hv.Item)
		if err != nil {
			return engine.Failure("input %q: %v", hv.Handle.Label, err)
		}
		if params, ok := layerUpdates[hv.Handle.ID].(map[string]any); ok && len(params) > 0 {
			subtree = &core.MediaTree{
				Operation: core.MediaOpLayer,
				Params:    params,
				Children:  []*core.MediaTree{subtree},
			}
		}
		children = append(children, subtree)
	}
	if len(children) == 0 {
		return engine.Failure("compositor has no media inputs")
	}

	// Single inputs pass through untouched; the upstream tree may be
	// shared with the producing node's result.
	tree := children[0]
	if len(children) > 1 {
		tree = &core.MediaTree{Operation: core.MediaOpCompose, Children: children}
		tree.SourceMeta = tree.DeriveMeta()
	}

	return engine.Success(core.SingleOutput(core.Item{
		Type:           core.DataTypeImage,
		Data:           tree,
		OutputHandleID: outputHandleID(in),
	}))
}

var _ engine.Processor = (*Compositor)(nil)
