package engine

import (
	"context"
	"errors"

	"github.com/loomworks/loom/core"
)

// ResolvedOutput is one export node's final value in client-consumable
// form: primitives pass through, media becomes a data URL or signed URL.
type ResolvedOutput struct {
	Type core.DataType `json:"type"`
	Data any           `json:"data"`
}

// BatchResult maps original (pre-duplication) node IDs to their resolved
// export outputs.
type BatchResult map[string]ResolvedOutput

// ResolveBatchResult collects the results of a finished batch's export
// nodes. Keys are the original node IDs, because API runs execute on a
// duplicated canvas while clients address nodes on the source canvas.
// A batch with no export nodes resolves to an empty map.
func (e *Engine) ResolveBatchResult(ctx context.Context, batchID string) (BatchResult, error) {
	tasks, err := e.store.ListTasks(ctx, batchID)
	if err != nil {
		return nil, err
	}

	out := make(BatchResult)
	for _, task := range tasks {
		node, err := e.store.GetNode(ctx, task.NodeID)
		if err != nil {
			if errors.Is(err, core.ErrNodeNotFound) {
				continue
			}
			return nil, err
		}
		if node.Type != core.NodeTypeExport {
			continue
		}

		originalID := node.OriginalNodeID
		if originalID == "" {
			originalID = node.ID
		}

		items := node.Result.SelectedItems()
		if len(items) == 0 {
			continue
		}
		item := items[0]

		resolved, err := e.resolveItem(ctx, item)
		if err != nil {
			e.log.Warn("resolving export item", "batchId", batchID, "nodeId", node.ID, "error", err)
			continue
		}
		out[originalID] = ResolvedOutput{Type: item.Type, Data: resolved}
	}
	return out, nil
}

func (e *Engine) resolveItem(ctx context.Context, item core.Item) (any, error) {
	switch data := item.Data.(type) {
	case core.Primitive:
		return data.Value, nil
	case *core.FileReference, *core.ProcessData:
		if e.storage == nil {
			return nil, errors.New("engine: no storage service for media resolution")
		}
		return e.storage.ResolveDataURL(ctx, item)
	default:
		return nil, errors.New("engine: unresolvable item data")
	}
}
