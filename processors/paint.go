package processors

import (
	"context"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/engine"
)

// Paint publishes the node's drawn mask as a process-data item. Paint
// nodes are transient: the drawing lives in the node config and the
// produced item is never persisted as a result.
type Paint struct{}

// NewPaint creates the paint processor.
func NewPaint() *Paint { return &Paint{} }

// Type implements engine.Processor.
func (*Paint) Type() core.NodeType { return core.NodeTypePaint }

// Process implements engine.Processor.
func (*Paint) Process(_ context.Context, in engine.ProcessorInput) engine.ProcessorResult {
	dataURL := configString(in.Node.Config, "dataUrl")
	if dataURL == "" {
		return engine.Failure("paint node has no drawing")
	}
	pd := &core.ProcessData{DataURL: dataURL, MimeType: configString(in.Node.Config, "mimeType")}
	if w, ok := configInt(in.Node.Config, "width"); ok {
		pd.Width = w
	}
	if h, ok := configInt(in.Node.Config, "height"); ok {
		pd.Height = h
	}
	return engine.Success(core.SingleOutput(core.Item{
		Type:           core.DataTypeMask,
		Data:           pd,
		OutputHandleID: outputHandleID(in),
	}))
}

var _ engine.Processor = (*Paint)(nil)
