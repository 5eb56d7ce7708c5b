package processors

import (
	"bytes"
	"context"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"

	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/storage"
)

// ImageGen produces an image asset from a text prompt. The renderer is a
// deterministic placeholder (a solid color derived from the prompt);
// swapping in a real image model only changes render.
type ImageGen struct {
	width  int
	height int
}

// NewImageGen creates the image generator with 512x512 output.
func NewImageGen() *ImageGen {
	return &ImageGen{width: 512, height: 512}
}

// Type implements engine.Processor.
func (*ImageGen) Type() core.NodeType { return core.NodeTypeImageGen }

// Process implements engine.Processor.
func (p *ImageGen) Process(ctx context.Context, in engine.ProcessorInput) engine.ProcessorResult {
	if in.Storage == nil {
		return engine.Failure("image generation needs a storage service")
	}

	prompt := configString(in.Node.Config, "prompt")
	for _, hv := range in.Resolver.AllInputValuesWithHandle(in.Node.ID) {
		if hv.Item != nil && hv.Item.Type == core.DataTypeText {
			if s := primitiveString(hv.Item); s != "" {
				prompt = s
				break
			}
		}
	}

	width, height := p.width, p.height
	if w, ok := configInt(in.Node.Config, "width"); ok && w > 0 {
		width = w
	}
	if h, ok := configInt(in.Node.Config, "height"); ok && h > 0 {
		height = h
	}

	data, err := p.render(prompt, width, height)
	if err != nil {
		return engine.Failure("rendering image: %v", err)
	}

	ref, err := in.Storage.UploadAsset(ctx, data, "image/png",
		storage.UploadMeta{Width: width, Height: height})
	if err != nil {
		return engine.Failure("storing generated image: %v", err)
	}

	return engine.Success(core.SingleOutput(core.Item{
		Type:           core.DataTypeImage,
		Data:           ref,
		OutputHandleID: outputHandleID(in),
	}))
}

func (p *ImageGen) render(prompt string, width, height int) ([]byte, error) {
	h := fnv.New32a()
	h.Write([]byte(prompt))
	sum := h.Sum32()
	fill := color.NRGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 255}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, fill)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var _ engine.Processor = (*ImageGen)(nil)
