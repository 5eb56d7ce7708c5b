package processors

import (
	"context"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/storage"
)

// Export captures its input as the node's deliverable. Transient process
// data is persisted to the asset store so the result outlives the run;
// primitives and existing file references pass through unchanged.
type Export struct{}

// NewExport creates the export processor.
func NewExport() *Export { return &Export{} }

// Type implements engine.Processor.
func (*Export) Type() core.NodeType { return core.NodeTypeExport }

// Process implements engine.Processor.
func (*Export) Process(ctx context.Context, in engine.ProcessorInput) engine.ProcessorResult {
	item := firstResolvedInput(in)
	if item == nil {
		return engine.Failure("export has no input")
	}

	out := *item
	out.OutputHandleID = outputHandleID(in)

	if pd, ok := item.Data.(*core.ProcessData); ok && pd.DataURL != "" && in.Storage != nil {
		mimeType, payload, err := storage.DecodeDataURL(pd.DataURL)
		if err != nil {
			return engine.Failure("decoding export payload: %v", err)
		}
		ref, err := in.Storage.UploadAsset(ctx, payload, mimeType, storage.UploadMeta{
			Width:     pd.Width,
			Height:    pd.Height,
			DurationS: pd.DurationS,
		})
		if err != nil {
			return engine.Failure("persisting export payload: %v", err)
		}
		out.Data = ref
	}

	return engine.Success(core.SingleOutput(out))
}

var _ engine.Processor = (*Export)(nil)
