package types

import (
	"context"
)

// ActorType identifies who triggered an operation.
type ActorType string

const (
	ActorTypeOperator ActorType = "operator"
	ActorTypeWebhook  ActorType = "webhook"
	ActorTypeSystem   ActorType = "system"
)

// Actor is the entity on whose behalf a scheduler operation runs.
type Actor struct {
	ID   string
	Type ActorType
}

type contextKey string

const (
	actorKey     contextKey = "actor"
	requestIDKey contextKey = "request_id"
)

// WithActor stores the Actor in the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor retrieves the Actor from the context. Operations started by the
// periodic driver carry no actor and report the system actor.
func GetActor(ctx context.Context) Actor {
	if actor, ok := ctx.Value(actorKey).(Actor); ok {
		return actor
	}
	return Actor{ID: "scheduler", Type: ActorTypeSystem}
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
