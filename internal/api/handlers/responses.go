package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"dailyprompt/internal/core"
	"dailyprompt/internal/types"
)

// ResponseRecorder closes a recipient's open interaction.
type ResponseRecorder interface {
	RecordResponse(ctx context.Context, recipientID, response string) (*types.InteractionOutcome, error)
}

// RecordResponseRequest is the body the reply webhook posts.
type RecordResponseRequest struct {
	Response string `json:"response" validate:"required,max=1600"`
}

// ResponseHandler serves the reply webhook.
type ResponseHandler struct {
	svc       ResponseRecorder
	validator *core.Validator
	logger    *slog.Logger
}

// NewResponseHandler creates a ResponseHandler.
func NewResponseHandler(svc ResponseRecorder, v *core.Validator, logger *slog.Logger) *ResponseHandler {
	if v == nil {
		v = core.NewValidator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseHandler{svc: svc, validator: v, logger: logger}
}

// RegisterRoutes mounts POST /recipients/{id}/responses.
func (h *ResponseHandler) RegisterRoutes(r chi.Router) {
	r.Post("/recipients/{id}/responses", h.Record)
}

// Record handles POST /v1/recipients/{id}/responses. A recipient without an
// open interaction gets 404 not_found_open_interaction; the gateway treats
// that as a reply to nothing.
func (h *ResponseHandler) Record(w http.ResponseWriter, r *http.Request) {
	var req RecordResponseRequest
	if err := core.DecodeJSON(w, r, &req, false); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.Validate(&req); err != nil {
		core.Error(w, r, err)
		return
	}

	recipientID := chi.URLParam(r, "id")
	outcome, err := h.svc.RecordResponse(r.Context(), recipientID, req.Response)
	if err != nil {
		if types.IsInfrastructure(err) {
			h.logger.ErrorContext(r.Context(), "recording response failed", "recipient_id", recipientID, "error", err)
		}
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, outcome)
}
