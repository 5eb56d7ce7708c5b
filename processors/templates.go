package processors

import "github.com/loomworks/loom/core"

// BuiltinTemplates returns the node templates matching the built-in
// processors, ready for store.SeedTemplates. Template IDs equal their
// node type so programmatically created nodes resolve without lookup.
func BuiltinTemplates() []*core.NodeTemplate {
	anyMedia := []core.DataType{core.DataTypeImage, core.DataTypeVideo, core.DataTypeAudio, core.DataTypeFile}
	anyValue := append([]core.DataType{core.DataTypeText, core.DataTypeNumber, core.DataTypeBoolean, core.DataTypeMask}, anyMedia...)

	return []*core.NodeTemplate{
		{
			ID: "text", Type: core.NodeTypeText, DisplayName: "Text",
			Handles: []core.HandleDef{
				{ID: "out", Type: core.HandleOutput, DataTypes: []core.DataType{core.DataTypeText}, Label: "text"},
			},
		},
		{
			ID: "file", Type: core.NodeTypeFile, DisplayName: "File", IsTerminalNode: true,
			Handles: []core.HandleDef{
				{ID: "out", Type: core.HandleOutput, DataTypes: anyMedia, Label: "file"},
			},
		},
		{
			ID: "llm", Type: core.NodeTypeLLM, DisplayName: "LLM", VariableInputs: true,
			Handles: []core.HandleDef{
				{ID: "prompt", Type: core.HandleInput, DataTypes: []core.DataType{core.DataTypeText}, Label: "prompt", Required: true},
				{ID: "out", Type: core.HandleOutput, DataTypes: []core.DataType{core.DataTypeText}, Label: "response"},
			},
		},
		{
			ID: "image_gen", Type: core.NodeTypeImageGen, DisplayName: "Image Generator",
			Handles: []core.HandleDef{
				{ID: "prompt", Type: core.HandleInput, DataTypes: []core.DataType{core.DataTypeText}, Label: "prompt"},
				{ID: "out", Type: core.HandleOutput, DataTypes: []core.DataType{core.DataTypeImage}, Label: "image"},
			},
		},
		{
			ID: "compositor", Type: core.NodeTypeCompositor, DisplayName: "Compositor", VariableInputs: true,
			Handles: []core.HandleDef{
				{ID: "base", Type: core.HandleInput, DataTypes: []core.DataType{core.DataTypeImage}, Label: "base", Required: true},
				{ID: "layer", Type: core.HandleInput, DataTypes: []core.DataType{core.DataTypeImage, core.DataTypeMask}, Label: "layer", Order: 1},
				{ID: "out", Type: core.HandleOutput, DataTypes: []core.DataType{core.DataTypeImage}, Label: "composite", Order: 2},
			},
		},
		{
			ID: "video_compositor", Type: core.NodeTypeVideoCompositor, DisplayName: "Video Compositor", VariableInputs: true,
			Handles: []core.HandleDef{
				{ID: "track", Type: core.HandleInput, DataTypes: []core.DataType{core.DataTypeVideo, core.DataTypeImage, core.DataTypeAudio}, Label: "track", Required: true},
				{ID: "out", Type: core.HandleOutput, DataTypes: []core.DataType{core.DataTypeVideo}, Label: "video", Order: 1},
			},
		},
		{
			ID: "paint", Type: core.NodeTypePaint, DisplayName: "Paint", IsTransient: true,
			Handles: []core.HandleDef{
				{ID: "out", Type: core.HandleOutput, DataTypes: []core.DataType{core.DataTypeMask}, Label: "mask"},
			},
		},
		{
			ID: "preview", Type: core.NodeTypePreview, DisplayName: "Preview",
			Handles: []core.HandleDef{
				{ID: "in", Type: core.HandleInput, DataTypes: anyValue, Label: "in"},
				{ID: "out", Type: core.HandleOutput, DataTypes: anyValue, Label: "out", Order: 1},
			},
		},
		{
			ID: "export", Type: core.NodeTypeExport, DisplayName: "Export", IsTerminalNode: true,
			Handles: []core.HandleDef{
				{ID: "in", Type: core.HandleInput, DataTypes: anyValue, Label: "in", Required: true},
				{ID: "out", Type: core.HandleOutput, DataTypes: anyValue, Label: "result", Order: 1},
			},
		},
	}
}
