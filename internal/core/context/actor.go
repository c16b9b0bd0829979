// Package context provides request-scoped values extraction.
package context

import (
	"context"
)

// SystemActor is recorded on ledger rows written by background jobs.
const SystemActor = "system"

// ActorContext identifies who is performing an operation.
// Authentication is handled upstream; the core only records the identity.
type ActorContext struct {
	ActorID string
	Source  string // "http", "worker"
}

type actorContextKey struct{}

// WithActor adds ActorContext to context.
func WithActor(ctx context.Context, actor *ActorContext) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// GetActor returns ActorContext from context.
func GetActor(ctx context.Context) *ActorContext {
	if v, ok := ctx.Value(actorContextKey{}).(*ActorContext); ok {
		return v
	}
	return nil
}

// GetActorID returns actor ID from context or empty string.
func GetActorID(ctx context.Context) string {
	if a := GetActor(ctx); a != nil {
		return a.ActorID
	}
	return ""
}
