package core

import (
	"encoding/json"
	"fmt"
)

// ResultEnvelope is the shape every node's result conforms to.
// SelectedOutputIndex is always within [0, len(Outputs)) when Outputs is
// non-empty, and 0 otherwise.
type ResultEnvelope struct {
	Outputs             []Output `json:"outputs"`
	SelectedOutputIndex int      `json:"selectedOutputIndex"`
}

// Output is one alternative output of a node.
type Output struct {
	Items []Item `json:"items"`
}

// Item is a single typed value on an output, attributed to the output
// handle that produced it.
type Item struct {
	Type           DataType `json:"type"`
	Data           ItemData `json:"data"`
	OutputHandleID string   `json:"outputHandleId"`
}

// ItemData is the payload of an item: a primitive, a FileReference, a
// ProcessData, or a MediaTree. The concrete shape is recovered from JSON
// by structural detection (see Item.UnmarshalJSON).
type ItemData interface {
	itemData()
}

// Primitive wraps a plain JSON value (string, number, boolean, ...).
type Primitive struct {
	Value any
}

func (Primitive) itemData() {}

// MarshalJSON emits the wrapped value directly.
func (p Primitive) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Value)
}

// FileReference points to a persisted asset.
type FileReference struct {
	AssetID   string  `json:"assetId"`
	Key       string  `json:"key"`
	Bucket    string  `json:"bucket"`
	MimeType  string  `json:"mimeType,omitempty"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	DurationS float64 `json:"duration,omitempty"`
}

func (*FileReference) itemData() {}

// ProcessData is an inline, transient form of media: a data URL or a
// signed URL plus metadata. It never survives a run unless a processor
// persists it as a FileReference.
type ProcessData struct {
	DataURL   string  `json:"dataUrl,omitempty"`
	URL       string  `json:"url,omitempty"`
	MimeType  string  `json:"mimeType,omitempty"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	DurationS float64 `json:"duration,omitempty"`
}

func (*ProcessData) itemData() {}

// UnmarshalJSON decodes the item data by structural detection:
// objects carrying "operation" are media trees, "assetId"/"key"+"bucket"
// are file references, "dataUrl"/"url" are process data; everything else
// is kept as a primitive.
func (it *Item) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type           DataType        `json:"type"`
		Data           json.RawMessage `json:"data"`
		OutputHandleID string          `json:"outputHandleId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	it.Type = raw.Type
	it.OutputHandleID = raw.OutputHandleID

	payload, err := decodeItemData(raw.Data)
	if err != nil {
		return fmt.Errorf("item data: %w", err)
	}
	it.Data = payload
	return nil
}

func decodeItemData(raw json.RawMessage) (ItemData, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		// Not an object: primitive or array.
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return Primitive{Value: v}, nil
	}

	switch {
	case probe["operation"] != nil:
		var tree MediaTree
		if err := json.Unmarshal(raw, &tree); err != nil {
			return nil, err
		}
		return &tree, nil
	case probe["assetId"] != nil, probe["key"] != nil && probe["bucket"] != nil:
		var ref FileReference
		if err := json.Unmarshal(raw, &ref); err != nil {
			return nil, err
		}
		return &ref, nil
	case probe["dataUrl"] != nil, probe["url"] != nil:
		var pd ProcessData
		if err := json.Unmarshal(raw, &pd); err != nil {
			return nil, err
		}
		return &pd, nil
	default:
		var v map[string]any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return Primitive{Value: v}, nil
	}
}

// Selected returns the currently selected output, or nil when the
// envelope has no outputs.
func (r *ResultEnvelope) Selected() *Output {
	if r == nil || len(r.Outputs) == 0 {
		return nil
	}
	idx := r.SelectedOutputIndex
	if idx < 0 || idx >= len(r.Outputs) {
		idx = 0
	}
	return &r.Outputs[idx]
}

// SelectedItems returns the items of the selected output.
func (r *ResultEnvelope) SelectedItems() []Item {
	out := r.Selected()
	if out == nil {
		return nil
	}
	return out.Items
}

// ItemByHandle returns the selected-output item attributed to the given
// output handle.
func (r *ResultEnvelope) ItemByHandle(outputHandleID string) (Item, bool) {
	for _, item := range r.SelectedItems() {
		if item.OutputHandleID == outputHandleID {
			return item, true
		}
	}
	return Item{}, false
}

// ClampSelected normalizes SelectedOutputIndex into its valid range.
func (r *ResultEnvelope) ClampSelected() {
	if r == nil {
		return
	}
	if len(r.Outputs) == 0 {
		r.SelectedOutputIndex = 0
		return
	}
	if r.SelectedOutputIndex < 0 || r.SelectedOutputIndex >= len(r.Outputs) {
		r.SelectedOutputIndex = 0
	}
}

// Clone produces a deep copy of the envelope via its JSON form.
// Envelopes are JSON round-trippable by construction, so this keeps the
// copy logic in one place.
func (r *ResultEnvelope) Clone() *ResultEnvelope {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		// Envelopes are built from JSON-safe values; a marshal failure
		// indicates a programming error upstream.
		panic(fmt.Sprintf("core: clone result envelope: %v", err))
	}
	var out ResultEnvelope
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("core: clone result envelope: %v", err))
	}
	return &out
}

// SingleOutput builds an envelope holding one output with the given items.
func SingleOutput(items ...Item) *ResultEnvelope {
	return &ResultEnvelope{
		Outputs:             []Output{{Items: items}},
		SelectedOutputIndex: 0,
	}
}
