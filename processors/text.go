package processors

import (
	"context"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/engine"
)

// Text emits the node's configured content as a text item. It is the
// canonical source node: no inputs, one text output.
type Text struct{}

// NewText creates the text processor.
func NewText() *Text { return &Text{} }

// Type implements engine.Processor.
func (*Text) Type() core.NodeType { return core.NodeTypeText }

// Process implements engine.Processor.
func (*Text) Process(_ context.Context, in engine.ProcessorInput) engine.ProcessorResult {
	content := configString(in.Node.Config, "content")
	return engine.Success(core.SingleOutput(core.Item{
		Type:           core.DataTypeText,
		Data:           core.Primitive{Value: content},
		OutputHandleID: outputHandleID(in),
	}))
}

var _ engine.Processor = (*Text)(nil)
