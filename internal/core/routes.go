package core

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"dailyprompt/internal/types"
)

// defaultRequestTimeout bounds admin requests. A manual delivery tick can
// take a while with send spacing, so this is generous.
const defaultRequestTimeout = 5 * time.Minute

var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"X-Webhook-Secret",
}

// MountRoutes registers the middleware chain and every route.
//
// Middleware order:
//  1. Recoverer       - outermost so every panic is caught.
//  2. ContextTimeout  - soft deadline for handlers.
//  3. RequestID       - correlation ID for logs and error bodies.
//  4. RequestLogger   - one structured line per request.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))

	s.router.Get("/healthz", s.HandleHealth)
	if s.MetricsHandler != nil {
		s.router.Method(http.MethodGet, "/metrics", s.MetricsHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.Authenticator != nil {
			r.Route("/admin", func(r chi.Router) {
				r.Use(s.AuthMiddleware)
				for _, register := range s.AdminRoutes {
					register(r)
				}
			})
		} else if len(s.AdminRoutes) > 0 {
			s.Logger.Warn("admin routes disabled: no operator key configured")
		}

		r.Group(func(r chi.Router) {
			r.Use(s.WebhookMiddleware)
			for _, register := range s.ReplyRoutes {
				register(r)
			}
		})
	})

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundRoute, "route not found", nil))
	})
}

func (s *Server) requestTimeout() time.Duration {
	if s.RequestTimeout > 0 {
		return s.RequestTimeout
	}
	return defaultRequestTimeout
}

// ContextTimeoutMiddleware sets a deadline on the request context.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware reuses an incoming X-Request-Id or generates one, stores
// it in the context and echoes it in the response header.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), requestID)))
	})
}
