package core

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"dailyprompt/internal/types"
)

// Authenticator resolves a bearer token to the operator it belongs to.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*types.Actor, error)
}

// BcryptAuthenticator accepts a single operator key whose bcrypt hash is
// configured at startup.
type BcryptAuthenticator struct {
	hash    []byte
	actorID string
}

// NewBcryptAuthenticator validates hash and returns an authenticator for it.
func NewBcryptAuthenticator(hash, actorID string) (*BcryptAuthenticator, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "operator key hash is not a bcrypt hash", err)
	}
	if actorID == "" {
		actorID = "operator"
	}
	return &BcryptAuthenticator{hash: []byte(hash), actorID: actorID}, nil
}

// Authenticate compares token against the configured hash.
func (a *BcryptAuthenticator) Authenticate(_ context.Context, token string) (*types.Actor, error) {
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid authentication token", nil)
		}
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid authentication token", err)
	}
	return &types.Actor{ID: a.actorID, Type: types.ActorTypeOperator}, nil
}

// AuthMiddleware requires a Bearer token accepted by s.Authenticator and
// injects the resolved Actor.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Bearer token is required", nil))
			return
		}

		actor, err := s.Authenticator.Authenticate(r.Context(), token)
		if err != nil {
			s.Logger.WarnContext(r.Context(), "operator authentication failed",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
			)
			var appErr *types.AppError
			if !errors.As(err, &appErr) {
				err = types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid authentication token", err)
			}
			Error(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(types.WithActor(r.Context(), *actor)))
	})
}

// WebhookMiddleware marks the request as coming from the reply webhook. When
// s.WebhookSecret is set, the X-Webhook-Secret header must match it.
func (s *Server) WebhookMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.WebhookSecret != "" {
			got := r.Header.Get("X-Webhook-Secret")
			if got == "" {
				Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "X-Webhook-Secret header is required", nil))
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.WebhookSecret)) != 1 {
				Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid webhook secret", nil))
				return
			}
		}
		ctx := types.WithActor(r.Context(), types.Actor{ID: "reply-webhook", Type: types.ActorTypeWebhook})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractBearerToken returns the token from "Bearer <token>", or "".
func extractBearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
