// Package processors implements the built-in node processors: text,
// file, llm, image generator, compositor, video compositor, paint,
// preview and export. Processors are registered into an engine.Registry
// and invoked by the batch executor; they read their inputs through the
// graph resolver and emit a result envelope.
package processors

import (
	"fmt"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/engine"
)

// RegisterBuiltins installs every built-in processor into the registry.
func RegisterBuiltins(reg *engine.Registry) {
	RegisterBuiltinsLLM(reg, LLMConfig{})
}

// RegisterBuiltinsLLM installs the built-in processors with explicit
// llm node settings.
func RegisterBuiltinsLLM(reg *engine.Registry, llm LLMConfig) {
	reg.Register(NewText())
	reg.Register(NewFile())
	reg.Register(NewLLM(llm))
	reg.Register(NewImageGen())
	reg.Register(NewCompositor())
	reg.Register(NewVideoCompositor())
	reg.Register(NewPaint())
	reg.Register(NewPreview())
	reg.Register(NewExport())
}

// outputHandleID returns the node's first output handle. Items must be
// attributed to a handle for downstream edges to pick them up; a node
// without output handles falls back to its own id.
func outputHandleID(in engine.ProcessorInput) string {
	handles := in.Snapshot.OutputHandles(in.Node.ID)
	if len(handles) > 0 {
		return handles[0].ID
	}
	return in.Node.ID
}

func configString(cfg map[string]any, key string) string {
	s, _ := cfg[key].(string)
	return s
}

func configFloat(cfg map[string]any, key string) (float64, bool) {
	switch v := cfg[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func configInt(cfg map[string]any, key string) (int, bool) {
	f, ok := configFloat(cfg, key)
	return int(f), ok
}

func configMap(cfg map[string]any, key string) map[string]any {
	m, _ := cfg[key].(map[string]any)
	return m
}

// primitiveString renders a primitive item as prompt text.
func primitiveString(item *core.Item) string {
	prim, ok := item.Data.(core.Primitive)
	if !ok {
		return ""
	}
	switch v := prim.Value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// firstResolvedInput returns the first input handle (in handle order)
// carrying a resolved item, or nil when the node has no live inputs.
func firstResolvedInput(in engine.ProcessorInput) *core.Item {
	for _, hv := range in.Resolver.AllInputValuesWithHandle(in.Node.ID) {
		if hv.Item != nil {
			return hv.Item
		}
	}
	return nil
}

// dataTypeForMime maps a mime type to the handle data type of its media.
func dataTypeForMime(mimeType string) core.DataType {
	switch {
	case len(mimeType) >= 6 && mimeType[:6] == "image/":
		return core.DataTypeImage
	case len(mimeType) >= 6 && mimeType[:6] == "video/":
		return core.DataTypeVideo
	case len(mimeType) >= 6 && mimeType[:6] == "audio/":
		return core.DataTypeAudio
	default:
		return core.DataTypeFile
	}
}

// sourceTree lifts a media-bearing item into a virtual media tree node.
// Media trees pass through unchanged; references and process data become
// source leaves.
func sourceTree(item *core.Item) (*core.MediaTree, error) {
	switch data := item.Data.(type) {
	case *core.MediaTree:
		return data, nil
	case *core.FileReference:
		return &core.MediaTree{
			Operation: core.MediaOpSource,
			SourceMeta: core.SourceMeta{
				AssetID:   data.AssetID,
				MimeType:  data.MimeType,
				Width:     data.Width,
				Height:    data.Height,
				DurationS: data.DurationS,
			},
		}, nil
	case *core.ProcessData:
		leaf := &core.MediaTree{
			Operation: core.MediaOpSource,
			SourceMeta: core.SourceMeta{
				MimeType:  data.MimeType,
				Width:     data.Width,
				Height:    data.Height,
				DurationS: data.DurationS,
			},
		}
		if data.DataURL != "" {
			leaf.Params = map[string]any{"dataUrl": data.DataURL}
		} else if data.URL != "" {
			leaf.Params = map[string]any{"url": data.URL}
		}
		return leaf, nil
	default:
		return nil, fmt.Errorf("item of type %s carries no media", item.Type)
	}
}
