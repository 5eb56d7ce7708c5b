package core

// MediaOp tags one node of a virtual media tree.
type MediaOp string

const (
	MediaOpSource  MediaOp = "source"
	MediaOpText    MediaOp = "text"
	MediaOpCut     MediaOp = "cut"
	MediaOpCrop    MediaOp = "crop"
	MediaOpSpeed   MediaOp = "speed"
	MediaOpFilter  MediaOp = "filter"
	MediaOpFlip    MediaOp = "flip"
	MediaOpRotate  MediaOp = "rotate"
	MediaOpCompose MediaOp = "compose"
	MediaOpLayer   MediaOp = "layer"
)

// SourceMeta describes the media a tree node represents. On leaves it is
// the source asset's metadata; on the root, after DeriveMeta, it describes
// the final rendered output.
type SourceMeta struct {
	AssetID   string  `json:"assetId,omitempty"`
	MimeType  string  `json:"mimeType,omitempty"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	DurationS float64 `json:"duration,omitempty"`
}

// MediaTree is a recursive operation tree used by video and compositor
// pipelines. Leaves are sources; interior nodes apply an operation to
// their children. Cycle-freedom is guaranteed structurally.
type MediaTree struct {
	Operation  MediaOp        `json:"operation"`
	SourceMeta SourceMeta     `json:"sourceMeta"`
	Params     map[string]any `json:"params,omitempty"`
	Children   []*MediaTree   `json:"children,omitempty"`
}

func (*MediaTree) itemData() {}

// Walk visits the tree pre-order. Returning an error stops the walk.
func (t *MediaTree) Walk(fn func(*MediaTree) error) error {
	if t == nil {
		return nil
	}
	if err := fn(t); err != nil {
		return err
	}
	for _, child := range t.Children {
		if err := child.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// Leaves returns the source nodes of the tree in visiting order.
func (t *MediaTree) Leaves() []*MediaTree {
	var leaves []*MediaTree
	_ = t.Walk(func(n *MediaTree) error {
		if len(n.Children) == 0 {
			leaves = append(leaves, n)
		}
		return nil
	})
	return leaves
}

// DeriveMeta computes the rendered-output metadata for the tree by folding
// each operation over its children's derived metadata. The receiver is not
// mutated.
func (t *MediaTree) DeriveMeta() SourceMeta {
	if t == nil {
		return SourceMeta{}
	}
	if len(t.Children) == 0 {
		return t.SourceMeta
	}

	children := make([]SourceMeta, 0, len(t.Children))
	for _, c := range t.Children {
		children = append(children, c.DeriveMeta())
	}

	meta := children[0]
	switch t.Operation {
	case MediaOpCut:
		start := floatParam(t.Params, "start")
		end := floatParam(t.Params, "end")
		if end > start {
			meta.DurationS = end - start
		}
	case MediaOpSpeed:
		factor := floatParam(t.Params, "factor")
		if factor > 0 {
			meta.DurationS = meta.DurationS / factor
		}
	case MediaOpCrop:
		if w := intParam(t.Params, "width"); w > 0 {
			meta.Width = w
		}
		if h := intParam(t.Params, "height"); h > 0 {
			meta.Height = h
		}
	case MediaOpRotate:
		deg := intParam(t.Params, "degrees")
		if deg%180 != 0 {
			meta.Width, meta.Height = meta.Height, meta.Width
		}
	case MediaOpCompose, MediaOpLayer:
		for _, c := range children[1:] {
			if c.Width > meta.Width {
				meta.Width = c.Width
			}
			if c.Height > meta.Height {
				meta.Height = c.Height
			}
			if c.DurationS > meta.DurationS {
				meta.DurationS = c.DurationS
			}
		}
	case MediaOpFilter, MediaOpFlip, MediaOpText, MediaOpSource:
		// Metadata passes through unchanged.
	}

	// Explicit overrides on the node win over derived values.
	if t.SourceMeta.Width > 0 {
		meta.Width = t.SourceMeta.Width
	}
	if t.SourceMeta.Height > 0 {
		meta.Height = t.SourceMeta.Height
	}
	if t.SourceMeta.MimeType != "" {
		meta.MimeType = t.SourceMeta.MimeType
	}
	return meta
}

func floatParam(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
