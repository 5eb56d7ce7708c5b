package processors

import (
	"context"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/engine"
)

// File surfaces an uploaded asset as a result item. The server writes
// the asset reference into the node config at upload time; processing
// just republishes it, so re-running a file node is free.
type File struct{}

// NewFile creates the file processor.
func NewFile() *File { return &File{} }

// Type implements engine.Processor.
func (*File) Type() core.NodeType { return core.NodeTypeFile }

// Process implements engine.Processor.
func (*File) Process(_ context.Context, in engine.ProcessorInput) engine.ProcessorResult {
	cfg := in.Node.Config
	ref := &core.FileReference{
		AssetID:  configString(cfg, "assetId"),
		Key:      configString(cfg, "key"),
		Bucket:   configString(cfg, "bucket"),
		MimeType: configString(cfg, "mimeType"),
	}
	if w, ok := configInt(cfg, "width"); ok {
		ref.Width = w
	}
	if h, ok := configInt(cfg, "height"); ok {
		ref.Height = h
	}
	if d, ok := configFloat(cfg, "duration"); ok {
		ref.DurationS = d
	}
	if ref.AssetID == "" && ref.Key == "" {
		// Run payloads write the uploaded asset straight into the node
		// result; keep it instead of failing.
		if in.Node.Result != nil && len(in.Node.Result.SelectedItems()) > 0 {
			return engine.Success(in.Node.Result.Clone())
		}
		return engine.Failure("file node has no asset configured")
	}
	return engine.Success(core.SingleOutput(core.Item{
		Type:           dataTypeForMime(ref.MimeType),
		Data:           ref,
		OutputHandleID: outputHandleID(in),
	}))
}

var _ engine.Processor = (*File)(nil)
