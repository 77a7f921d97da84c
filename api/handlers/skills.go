package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/skillforge/evolution"
	"github.com/BaSui01/skillforge/runtime"
)

// SkillHandler serves skill invocation and trigger management.
type SkillHandler struct {
	rt       *runtime.Runtime
	pipeline *evolution.Pipeline
	logger   *zap.Logger
}

// NewSkillHandler creates the skill API handler.
func NewSkillHandler(rt *runtime.Runtime, pipeline *evolution.Pipeline, logger *zap.Logger) *SkillHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SkillHandler{
		rt:       rt,
		pipeline: pipeline,
		logger:   logger.With(zap.String("component", "skill_handler")),
	}
}

// List returns the names of all skills with a live source.
func (h *SkillHandler) List(w http.ResponseWriter, r *http.Request) {
	skills, err := h.rt.Store().ListSkills()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), h.logger)
		return
	}
	WriteSuccess(w, skills)
}

// GetSource returns the live source of one skill.
func (h *SkillHandler) GetSource(w http.ResponseWriter, r *http.Request) {
	source, err := h.rt.Store().CurrentSource(r.PathValue("name"))
	if errors.Is(err, runtime.ErrSkillNotFound) {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), h.logger)
		return
	}
	if errors.Is(err, runtime.ErrInvalidSkillName) {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), h.logger)
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), h.logger)
		return
	}
	WriteSuccess(w, map[string]string{
		"skill_name": r.PathValue("name"),
		"source":     string(source),
	})
}

// Invoke executes a skill with a JSON input and returns its JSON output.
// Call outcomes feed the error tracker and any open observation window.
func (h *SkillHandler) Invoke(w http.ResponseWriter, r *http.Request) {
	var input json.RawMessage
	if err := decodeBody(r, &input); err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body: "+err.Error(), h.logger)
		return
	}

	output, err := h.rt.Invoke(r.Context(), r.PathValue("name"), input)
	switch {
	case errors.Is(err, runtime.ErrSkillNotFound):
		WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), h.logger)
	case errors.Is(err, runtime.ErrInvalidSkillName):
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), h.logger)
	case err != nil:
		WriteError(w, http.StatusUnprocessableEntity, "SKILL_EXECUTION_FAILED", err.Error(), h.logger)
	default:
		WriteSuccess(w, output)
	}
}

// ResetTrigger clears a skill's trigger marker and cooldown.
func (h *SkillHandler) ResetTrigger(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	h.pipeline.ResetTrigger(name)
	WriteSuccess(w, map[string]string{"skill_name": name, "status": "trigger_reset"})
}
