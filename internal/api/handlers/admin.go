// Package handlers contains the HTTP handlers of the scheduler: the operator
// surface under /v1/admin and the reply webhook under /v1/recipients.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"dailyprompt/internal/core"
	"dailyprompt/internal/scheduler"
	"dailyprompt/internal/types"
)

// AdminService is the part of scheduler.Service the operator routes use.
type AdminService interface {
	Now() time.Time
	PopulateNow(ctx context.Context, date time.Time) (int, error)
	RunDeliveryTick(ctx context.Context, now time.Time) (int, error)
	GetQueueStatus(ctx context.Context, from, to time.Time) (*types.QueueStatusReport, error)
	ForceResetCircuitBreaker(ctx context.Context) types.BreakerStatus
	SendNow(ctx context.Context, recipientID string) (*scheduler.SendNowResult, error)
	SweepInteractions(ctx context.Context) (int, error)
	PurgeQueue(ctx context.Context) (int, error)
}

// defaultStatusWindow is the queue range reported when from/to are omitted,
// centred on now.
const defaultStatusWindow = 24 * time.Hour

// PopulateRequest is the body of POST /v1/admin/populate.
type PopulateRequest struct {
	Date string `json:"date" validate:"required,local_date"`
}

// DeliveryTickRequest is the optional body of POST /v1/admin/deliveries/tick.
// Now overrides the reference time, which lets an operator replay a window.
type DeliveryTickRequest struct {
	Now *time.Time `json:"now,omitempty"`
}

// CountResponse reports how many items an operation touched.
type CountResponse struct {
	Count int `json:"count"`
}

// AdminHandler serves the operator routes.
type AdminHandler struct {
	svc       AdminService
	validator *core.Validator
	logger    *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(svc AdminService, v *core.Validator, logger *slog.Logger) *AdminHandler {
	if v == nil {
		v = core.NewValidator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{svc: svc, validator: v, logger: logger}
}

// RegisterRoutes mounts the operator routes. The caller applies the
// operator authentication middleware.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Post("/populate", h.Populate)
	r.Post("/deliveries/tick", h.DeliveryTick)
	r.Get("/queue", h.QueueStatus)
	r.Post("/breaker/reset", h.ResetBreaker)
	r.Post("/recipients/{id}/send-now", h.SendNow)
	r.Post("/maintenance/sweep", h.Sweep)
	r.Post("/maintenance/purge", h.Purge)
}

// Populate handles POST /v1/admin/populate.
func (h *AdminHandler) Populate(w http.ResponseWriter, r *http.Request) {
	var req PopulateRequest
	if err := core.DecodeJSON(w, r, &req, false); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.Validate(&req); err != nil {
		core.Error(w, r, err)
		return
	}
	date, _ := time.Parse(time.DateOnly, req.Date)

	n, err := h.svc.PopulateNow(r.Context(), date)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "manual populate failed", "date", req.Date, "created", n, "error", err)
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, CountResponse{Count: n})
}

// DeliveryTick handles POST /v1/admin/deliveries/tick.
func (h *AdminHandler) DeliveryTick(w http.ResponseWriter, r *http.Request) {
	var req DeliveryTickRequest
	if err := core.DecodeJSON(w, r, &req, true); err != nil {
		core.Error(w, r, err)
		return
	}
	now := h.svc.Now()
	if req.Now != nil {
		now = req.Now.UTC()
	}

	n, err := h.svc.RunDeliveryTick(r.Context(), now)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "manual delivery tick failed", "now", now, "processed", n, "error", err)
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, CountResponse{Count: n})
}

// QueueStatus handles GET /v1/admin/queue?from=&to= with RFC 3339 bounds.
// Missing bounds default to a day either side of now.
func (h *AdminHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	now := h.svc.Now()
	from, err := parseTimeParam(r, "from", now.Add(-defaultStatusWindow))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	to, err := parseTimeParam(r, "to", now.Add(defaultStatusWindow))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	report, err := h.svc.GetQueueStatus(r.Context(), from, to)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, report)
}

// ResetBreaker handles POST /v1/admin/breaker/reset.
func (h *AdminHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	core.Data(w, r, http.StatusOK, h.svc.ForceResetCircuitBreaker(r.Context()))
}

// SendNow handles POST /v1/admin/recipients/{id}/send-now.
func (h *AdminHandler) SendNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.svc.SendNow(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, res)
}

// Sweep handles POST /v1/admin/maintenance/sweep.
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.SweepInteractions(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, CountResponse{Count: n})
}

// Purge handles POST /v1/admin/maintenance/purge.
func (h *AdminHandler) Purge(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.PurgeQueue(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, CountResponse{Count: n})
}

func parseTimeParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, types.NewAppError(types.ErrCodeValidationInvalidRange, name+" must be an RFC 3339 timestamp", err).
			WithDetails(map[string]any{"field": name})
	}
	return t, nil
}
