package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/canvas"
	"github.com/loomworks/loom/core"
)

// ApplyMutation commits a mutation plan in one transaction: edges,
// handles and nodes are deleted in that order to respect referential
// integrity, then creates and updates run, then the canvas version is
// bumped. Duplicate edge keys are skipped rather than failing the patch.
// Returns the new canvas version.
func (s *Store) ApplyMutation(ctx context.Context, canvasID string, plan *canvas.MutationPlan) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store apply mutation begin: %w", err)
	}
	defer tx.Rollback()

	for _, id := range plan.DeleteEdgeIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("store delete edge: %w", err)
		}
	}
	for _, id := range plan.DeleteHandleIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM handles WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("store delete handle: %w", err)
		}
	}
	for _, id := range plan.DeleteNodeIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("store delete node: %w", err)
		}
	}

	for _, n := range plan.CreateNodes {
		if err := insertNode(ctx, tx, n); err != nil {
			return 0, err
		}
	}
	for _, n := range plan.UpdateNodes {
		if err := updateNode(ctx, tx, n); err != nil {
			return 0, err
		}
	}
	for _, h := range plan.CreateHandles {
		if err := insertHandle(ctx, tx, h); err != nil {
			return 0, err
		}
	}
	for _, h := range plan.UpdateHandles {
		if err := updateHandle(ctx, tx, h); err != nil {
			return 0, err
		}
	}
	for _, e := range plan.CreateEdges {
		if err := insertEdge(ctx, tx, e); err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return 0, err
		}
	}
	for _, e := range plan.UpdateEdges {
		if _, err := tx.ExecContext(ctx, `
UPDATE edges SET source = ?, target = ?, source_handle_id = ?, target_handle_id = ?
WHERE id = ?`,
			e.Source, e.Target, e.SourceHandleID, e.TargetHandleID, e.ID); err != nil {
			return 0, fmt.Errorf("store update edge: %w", err)
		}
	}

	var version int64
	err = tx.QueryRowContext(ctx, `
UPDATE canvases SET version = version + 1, updated_at = ?
WHERE id = ?
RETURNING version`,
		formatTime(time.Now().UTC()), canvasID).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, core.ErrCanvasNotFound
		}
		return 0, fmt.Errorf("store bump canvas version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store apply mutation commit: %w", err)
	}
	return version, nil
}
