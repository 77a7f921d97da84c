package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/skillforge/evolution"
)

// BlockHandler serves the capability blocklist API.
type BlockHandler struct {
	blocklist *evolution.Blocklist
	logger    *zap.Logger
}

// NewBlockHandler creates the blocklist API handler.
func NewBlockHandler(blocklist *evolution.Blocklist, logger *zap.Logger) *BlockHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlockHandler{
		blocklist: blocklist,
		logger:    logger.With(zap.String("component", "block_handler")),
	}
}

// List returns the currently live capability blocks.
func (h *BlockHandler) List(w http.ResponseWriter, r *http.Request) {
	blocks, err := h.blocklist.ActiveBlocks(time.Now())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), h.logger)
		return
	}
	WriteSuccess(w, blocks)
}

// BlockRequest is the body for POST /v1/blocks.
type BlockRequest struct {
	Capability string `json:"capability"`
	SkillName  string `json:"skill_name,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Block adds a capability block on operator request.
func (h *BlockHandler) Block(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body: "+err.Error(), h.logger)
		return
	}
	if req.Capability == "" {
		WriteError(w, http.StatusBadRequest, "INVALID_REQUEST", "capability is required", h.logger)
		return
	}
	if err := h.blocklist.Block(req.Capability, req.SkillName, "", req.Reason, time.Now()); err != nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), h.logger)
		return
	}
	WriteJSON(w, http.StatusCreated, Response{
		Success:   true,
		Data:      map[string]string{"capability": req.Capability, "status": "blocked"},
		Timestamp: time.Now(),
	})
}

// Unblock lifts every live block for a capability and reports how many.
func (h *BlockHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	capability := r.PathValue("capability")
	lifted, err := h.blocklist.Unblock(capability)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), h.logger)
		return
	}
	WriteSuccess(w, map[string]interface{}{
		"capability": capability,
		"lifted":     lifted,
	})
}
