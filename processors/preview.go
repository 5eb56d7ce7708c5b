package processors

import (
	"context"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/engine"
)

// Preview mirrors its first resolved input onto its own output handle so
// the canvas UI can display intermediate values. Preview nodes are
// display-only and never terminal.
type Preview struct{}

// NewPreview creates the preview processor.
func NewPreview() *Preview { return &Preview{} }

// Type implements engine.Processor.
func (*Preview) Type() core.NodeType { return core.NodeTypePreview }

// Process implements engine.Processor.
func (*Preview) Process(_ context.Context, in engine.ProcessorInput) engine.ProcessorResult {
	item := firstResolvedInput(in)
	if item == nil {
		return engine.Failure("nothing to preview")
	}
	out := *item
	out.OutputHandleID = outputHandleID(in)
	return engine.Success(core.SingleOutput(out))
}

var _ engine.Processor = (*Preview)(nil)
