package graph

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/core"
)

// BufferLoader resolves a media-bearing item into raw bytes. It is the
// single boundary across which media bytes enter node processors.
// storage.Service satisfies this interface.
type BufferLoader interface {
	LoadMediaBuffer(ctx context.Context, item core.Item) ([]byte, string, error)
}

// InputQuery selects an input handle by label and accepted data type.
type InputQuery struct {
	DataType core.DataType
	Label    string
}

// HandleValue pairs an input handle with its currently resolved item.
type HandleValue struct {
	Handle *core.Handle
	Item   *core.Item
}

// Resolver answers per-node input lookups over a snapshot. All lookup
// operations are pure: they never mutate the snapshot.
type Resolver struct {
	snap   *Snapshot
	loader BufferLoader
}

// NewResolver creates a resolver over the given snapshot. The loader may
// be nil when media resolution is not needed (planning, tests).
func NewResolver(snap *Snapshot, loader BufferLoader) *Resolver {
	return &Resolver{snap: snap, loader: loader}
}

// Snapshot returns the snapshot the resolver reads from.
func (r *Resolver) Snapshot() *Snapshot {
	return r.snap
}

// InputValue finds the input handle on nodeID matching the query, follows
// the unique edge into it, and returns the upstream item attributed to
// the edge's source handle. When required is true every failing step
// yields core.ErrMissingRequiredInput; otherwise the result is nil.
func (r *Resolver) InputValue(nodeID string, required bool, q InputQuery) (*core.Item, error) {
	handle := r.findInputHandle(nodeID, q)
	if handle == nil {
		return r.missing(required, nodeID, fmt.Sprintf("no input handle %q accepting %s", q.Label, q.DataType))
	}
	item, ok := r.resolveHandleItem(handle)
	if !ok {
		return r.missing(required, nodeID, fmt.Sprintf("input %q has no resolved upstream value", handle.Label))
	}
	return item, nil
}

// InputValuesByType returns the resolved items of every input handle on
// nodeID that accepts the given data type, in handle order. Handles
// without a resolved value are skipped.
func (r *Resolver) InputValuesByType(nodeID string, dt core.DataType) []core.Item {
	var out []core.Item
	for _, h := range r.snap.InputHandles(nodeID) {
		if !h.HasDataType(dt) {
			continue
		}
		if item, ok := r.resolveHandleItem(h); ok {
			out = append(out, *item)
		}
	}
	return out
}

// AllInputValuesWithHandle enumerates every input handle on the node and
// its currently resolved item (nil when unresolved), in handle order.
func (r *Resolver) AllInputValuesWithHandle(nodeID string) []HandleValue {
	handles := r.snap.InputHandles(nodeID)
	out := make([]HandleValue, 0, len(handles))
	for _, h := range handles {
		hv := HandleValue{Handle: h}
		if item, ok := r.resolveHandleItem(h); ok {
			hv.Item = item
		}
		out = append(out, hv)
	}
	return out
}

// LoadMediaBuffer resolves an item whose data is a FileReference or
// ProcessData into a byte buffer plus mime type.
func (r *Resolver) LoadMediaBuffer(ctx context.Context, item core.Item) ([]byte, string, error) {
	if r.loader == nil {
		return nil, "", fmt.Errorf("resolver has no media loader")
	}
	return r.loader.LoadMediaBuffer(ctx, item)
}

func (r *Resolver) findInputHandle(nodeID string, q InputQuery) *core.Handle {
	for _, h := range r.snap.InputHandles(nodeID) {
		if h.Label == q.Label && h.HasDataType(q.DataType) {
			return h
		}
	}
	return nil
}

func (r *Resolver) resolveHandleItem(handle *core.Handle) (*core.Item, bool) {
	edge, ok := r.snap.EdgeIntoHandle(handle.ID)
	if !ok {
		return nil, false
	}
	source, ok := r.snap.Node(edge.Source)
	if !ok || source.Result == nil {
		return nil, false
	}
	item, ok := source.Result.ItemByHandle(edge.SourceHandleID)
	if !ok {
		return nil, false
	}
	return &item, true
}

func (r *Resolver) missing(required bool, nodeID, detail string) (*core.Item, error) {
	if !required {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: node %s: %s", core.ErrMissingRequiredInput, nodeID, detail)
}
