package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/canvas"
	"github.com/loomworks/loom/core"
	"github.com/loomworks/loom/store"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleNodeTypes returns the installed node templates.
func (s *Server) handleNodeTypes(w http.ResponseWriter, r *http.Request) {
	templates, err := s.store.ListTemplates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

// handleCreateCanvas creates an empty canvas.
func (s *Server) handleCreateCanvas(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		OwnerID string `json:"ownerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if req.Name == "" {
		req.Name = "Untitled canvas"
	}

	c := &core.Canvas{
		ID:      uuid.NewString(),
		OwnerID: req.OwnerID,
		Name:    req.Name,
	}
	if err := s.store.CreateCanvas(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// handleListCanvases lists canvases, optionally filtered by owner.
func (s *Server) handleListCanvases(w http.ResponseWriter, r *http.Request) {
	canvases, err := s.store.ListCanvases(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, canvases)
}

// canvasTreeResponse is the full canvas payload the editor loads.
type canvasTreeResponse struct {
	Canvas  *core.Canvas   `json:"canvas"`
	Nodes   []*core.Node   `json:"nodes"`
	Handles []*core.Handle `json:"handles"`
	Edges   []*core.Edge   `json:"edges"`
}

// handleGetCanvas returns a canvas with its full tree.
func (s *Server) handleGetCanvas(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tree, err := s.store.LoadCanvasTree(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrCanvasNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("canvas %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, canvasTreeResponse{
		Canvas:  tree.Canvas,
		Nodes:   tree.Nodes,
		Handles: tree.Handles,
		Edges:   tree.Edges,
	})
}

// handleDeleteCanvas removes a canvas and, via cascades, its tree.
func (s *Server) handleDeleteCanvas(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteCanvas(r.Context(), id); err != nil {
		if errors.Is(err, core.ErrCanvasNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("canvas %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// patchResponse reports the accepted mutation: the bumped version and
// the temp-to-real ID allocations.
type patchResponse struct {
	Version int64            `json:"version"`
	Mapping canvas.IDMapping `json:"idMapping"`
}

// handlePatchCanvas applies a bulk patch to a canvas in one transaction.
func (s *Server) handlePatchCanvas(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tree, err := s.store.LoadCanvasTree(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrCanvasNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("canvas %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	var patch canvas.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		if isMaxBytesError(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	templates, err := s.store.TemplatesByID(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	plan, err := canvas.BuildMutation(canvas.MutationConfig{
		Canvas:    tree.Canvas,
		Nodes:     tree.Nodes,
		Handles:   tree.Handles,
		Edges:     tree.Edges,
		Templates: templates,
		Logger:    s.logger,
	}, &patch)
	if err != nil {
		if errors.Is(err, core.ErrInvalidPatch) {
			writeError(w, http.StatusBadRequest, "INVALID_PATCH", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "MUTATION_ERROR", err.Error())
		return
	}

	version, err := s.store.ApplyMutation(r.Context(), id, plan)
	if err != nil {
		if errors.Is(err, core.ErrCanvasNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("canvas %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, patchResponse{Version: version, Mapping: plan.Mapping})
}

// handleDuplicateCanvas deep-copies a canvas.
func (s *Server) handleDuplicateCanvas(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tree, err := s.store.LoadCanvasTree(r.Context(), id)
	if err != nil {
		if errors.Is(err, core.ErrCanvasNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("canvas %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	var req struct {
		IsAPICanvas bool   `json:"isApiCanvas"`
		KeepResults bool   `json:"keepResults"`
		Name        string `json:"name"`
	}
	// The body is optional; an empty read means default options.
	_ = json.NewDecoder(r.Body).Decode(&req)

	clone := canvas.Duplicate(tree.Canvas, tree.Nodes, tree.Handles, tree.Edges, canvas.DuplicateOptions{
		IsAPICanvas: req.IsAPICanvas,
		KeepResults: req.KeepResults,
		Name:        req.Name,
	})
	if err := s.store.CreateCanvasTree(r.Context(), &store.CanvasTree{
		Canvas:  clone.Canvas,
		Nodes:   clone.Nodes,
		Handles: clone.Handles,
		Edges:   clone.Edges,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"canvasId":  clone.Canvas.ID,
		"createdAt": clone.Canvas.CreatedAt.Format(time.RFC3339Nano),
	})
}
