package handlers

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/skillforge/evolution"
)

// EvolutionHandler serves the evolution record API.
type EvolutionHandler struct {
	pipeline *evolution.Pipeline
	store    evolution.RecordStore
	logger   *zap.Logger
}

// NewEvolutionHandler creates the evolution API handler.
func NewEvolutionHandler(pipeline *evolution.Pipeline, store evolution.RecordStore, logger *zap.Logger) *EvolutionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EvolutionHandler{
		pipeline: pipeline,
		store:    store,
		logger:   logger.With(zap.String("component", "evolution_handler")),
	}
}

// TriggerRequest is the body for POST /v1/evolutions.
type TriggerRequest struct {
	SkillName     string                 `json:"skill_name"`
	Cause         string                 `json:"cause"`
	ErrorStack    string                 `json:"error_stack,omitempty"`
	SourceSnippet string                 `json:"source_snippet,omitempty"`
	ToolSchemas   []evolution.ToolSchema `json:"tool_schemas,omitempty"`
}

// Trigger opens an evolution on demand.
func (h *EvolutionHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body: "+err.Error(), h.logger)
		return
	}
	if req.SkillName == "" {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "skill_name is required", h.logger)
		return
	}

	record, err := h.pipeline.TriggerEvolution(r.Context(), req.SkillName, evolution.Context{
		Cause:         req.Cause,
		ErrorStack:    req.ErrorStack,
		SourceSnippet: req.SourceSnippet,
		ToolSchemas:   req.ToolSchemas,
	})
	switch {
	case errors.Is(err, evolution.ErrEvolutionInProgress):
		// The open record is authoritative; a second trigger gets it back.
		WriteJSON(w, http.StatusConflict, Response{
			Success: false,
			Data:    record,
			Error: &ErrorInfo{
				Code:    "EVOLUTION_IN_PROGRESS",
				Message: err.Error(),
			},
		})
	case errors.Is(err, evolution.ErrCapabilityBlocked):
		WriteError(w, http.StatusForbidden, "CAPABILITY_BLOCKED", err.Error(), h.logger)
	case err != nil:
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), h.logger)
	default:
		WriteJSON(w, http.StatusCreated, Response{Success: true, Data: record})
	}
}

// List returns evolution records, optionally filtered by skill and status.
func (h *EvolutionHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := evolution.RecordFilter{
		SkillName: r.URL.Query().Get("skill"),
	}
	for _, s := range r.URL.Query()["status"] {
		filter.Statuses = append(filter.Statuses, evolution.Status(s))
	}

	records, err := h.store.List(r.Context(), filter)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), h.logger)
		return
	}
	WriteSuccess(w, records)
}

// Get returns one evolution record.
func (h *EvolutionHandler) Get(w http.ResponseWriter, r *http.Request) {
	record, err := h.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, evolution.ErrRecordNotFound) {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), h.logger)
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), h.logger)
		return
	}
	WriteSuccess(w, record)
}

// Delete removes one evolution record.
func (h *EvolutionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	err := h.store.Delete(r.Context(), r.PathValue("id"))
	if errors.Is(err, evolution.ErrRecordNotFound) {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), h.logger)
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"id": r.PathValue("id"), "status": "deleted"})
}

// Advance drives one stage transition on demand instead of waiting for the
// sweep.
func (h *EvolutionHandler) Advance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.pipeline.Advance(r.Context(), id)
	switch {
	case errors.Is(err, evolution.ErrRecordNotFound):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), h.logger)
	case errors.Is(err, evolution.ErrLockContention):
		WriteError(w, http.StatusConflict, "LOCK_CONTENTION", err.Error(), h.logger)
	case err != nil:
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), h.logger)
	default:
		record, err := h.store.Get(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), h.logger)
			return
		}
		WriteSuccess(w, record)
	}
}

// RollbackRequest is the body for a manual rollback.
type RollbackRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Rollback rolls back an observing evolution on operator request.
func (h *EvolutionHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	// The body is optional; a bare POST rolls back with a default reason.
	var req RollbackRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body: "+err.Error(), h.logger)
		return
	}

	id := r.PathValue("id")
	err := h.pipeline.RollbackManually(r.Context(), id, req.Reason)
	switch {
	case errors.Is(err, evolution.ErrRecordNotFound):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), h.logger)
	case errors.Is(err, evolution.ErrNotObserving):
		WriteError(w, http.StatusConflict, "NOT_OBSERVING", err.Error(), h.logger)
	case errors.Is(err, evolution.ErrLockContention):
		WriteError(w, http.StatusConflict, "LOCK_CONTENTION", err.Error(), h.logger)
	case err != nil:
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), h.logger)
	default:
		record, err := h.store.Get(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), h.logger)
			return
		}
		WriteSuccess(w, record)
	}
}
