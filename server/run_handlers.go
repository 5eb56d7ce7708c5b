package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/loomworks/loom/canvas"
	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/store"
)

// runRequest starts a run. Duplicate defaults to true: API runs execute
// on a throwaway clone so they never disturb the editing canvas.
type runRequest struct {
	CanvasID  string     `json:"canvasId"`
	Payload   runPayload `json:"payload,omitempty"`
	Duplicate *bool      `json:"duplicate,omitempty"`
	APIKey    string     `json:"apiKey,omitempty"`
}

// runResponse is shared by the run and status endpoints. Result is
// present only once the batch has finished.
type runResponse struct {
	BatchHandleID string             `json:"batchHandleId"`
	Success       bool               `json:"success"`
	Error         string             `json:"error,omitempty"`
	Result        engine.BatchResult `json:"result,omitempty"`
	StartedAt     *time.Time         `json:"startedAt,omitempty"`
	FinishedAt    *time.Time         `json:"finishedAt,omitempty"`
}

// handleRun executes a canvas through the engine.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if req.CanvasID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "canvasId is required")
		return
	}
	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = r.Header.Get("X-API-Key")
	}

	tree, err := s.store.LoadCanvasTree(r.Context(), req.CanvasID)
	if err != nil {
		if errors.Is(err, core.ErrCanvasNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("canvas %q not found", req.CanvasID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	duplicate := req.Duplicate == nil || *req.Duplicate
	runCanvasID := req.CanvasID
	if duplicate {
		clone := canvas.Duplicate(tree.Canvas, tree.Nodes, tree.Handles, tree.Edges, canvas.DuplicateOptions{
			IsAPICanvas: true,
			KeepResults: true,
		})
		cloneTree := &store.CanvasTree{
			Canvas:  clone.Canvas,
			Nodes:   clone.Nodes,
			Handles: clone.Handles,
			Edges:   clone.Edges,
		}
		// Payload lands on the clone before it is persisted.
		if _, err := s.applyPayload(r.Context(), cloneTree, req.Payload); err != nil {
			writeError(w, http.StatusBadRequest, "PAYLOAD_ERROR", err.Error())
			return
		}
		if err := s.store.CreateCanvasTree(r.Context(), cloneTree); err != nil {
			writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
			return
		}
		runCanvasID = clone.Canvas.ID
	} else {
		touched, err := s.applyPayload(r.Context(), tree, req.Payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, "PAYLOAD_ERROR", err.Error())
			return
		}
		for _, node := range touched {
			if err := s.store.UpdateNodeConfig(r.Context(), node.ID, node.Config); err != nil {
				writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
				return
			}
			if err := s.store.UpdateNodeResult(r.Context(), node.ID, node.Result); err != nil {
				writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
				return
			}
		}
	}

	batch, err := s.engine.ProcessNodes(r.Context(), runCanvasID, nil, apiKey)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrCycleDetected):
			writeError(w, http.StatusUnprocessableEntity, "CYCLE_DETECTED", err.Error())
		case errors.Is(err, core.ErrInconsistentCanvas):
			writeError(w, http.StatusUnprocessableEntity, "INCONSISTENT_CANVAS", err.Error())
		case errors.Is(err, core.ErrCanvasNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "RUN_ERROR", err.Error())
		}
		return
	}

	// The queue may have run the batch to completion already; report the
	// result synchronously when it did.
	resp, err := s.batchResponse(r, batch.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRunStatus reports a batch's progress and, once finished, its
// resolved result.
func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batch_id")
	resp, err := s.batchResponse(r, batchID)
	if err != nil {
		if errors.Is(err, core.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("batch %q not found", batchID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRunTasks lists a batch's tasks for diagnostics.
func (s *Server) handleRunTasks(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batch_id")
	if _, err := s.store.GetBatch(r.Context(), batchID); err != nil {
		if errors.Is(err, core.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("batch %q not found", batchID))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	tasks, err := s.store.ListTasks(r.Context(), batchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) batchResponse(r *http.Request, batchID string) (runResponse, error) {
	batch, err := s.store.GetBatch(r.Context(), batchID)
	if err != nil {
		return runResponse{}, err
	}
	resp := runResponse{
		BatchHandleID: batch.ID,
		Success:       true,
		StartedAt:     batch.StartedAt,
		FinishedAt:    batch.FinishedAt,
	}
	if batch.FinishedAt != nil {
		result, err := s.engine.ResolveBatchResult(r.Context(), batch.ID)
		if err != nil {
			return runResponse{}, err
		}
		resp.Result = result
	}
	return resp, nil
}
