// Package core provides the HTTP chassis of the scheduler's admin and reply
// surface: a chi router with the shared middleware chain, the JSON envelope,
// request decoding and validation, operator authentication and health
// probes. Domain handlers live in internal/api/handlers and attach through
// route registrars.
package core

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// RouteRegistrar attaches handler routes to a router group.
type RouteRegistrar func(r chi.Router)

// Server holds the dependencies of the HTTP surface.
type Server struct {
	Logger    *slog.Logger
	Validator *Validator

	// Authenticator guards /v1/admin. When nil the admin routes are not
	// mounted at all.
	Authenticator Authenticator

	// WebhookSecret, when set, must be presented in the X-Webhook-Secret
	// header on the reply routes.
	WebhookSecret string

	HealthProbes   []HealthProbe
	MetricsHandler http.Handler
	RequestTimeout time.Duration

	// AdminRoutes are mounted under /v1/admin behind the operator check.
	AdminRoutes []RouteRegistrar
	// ReplyRoutes are mounted under /v1 with the webhook actor.
	ReplyRoutes []RouteRegistrar

	router *chi.Mux
}

// NewServer creates a Server with an empty router. Callers fill in the
// optional fields and then call MountRoutes.
func NewServer(logger *slog.Logger) (*Server, error) {
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	return &Server{
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}
