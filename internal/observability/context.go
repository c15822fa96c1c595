// Package observability carries per-invocation identity on the context:
// the operation id stamped into logs and audit events, and the acting
// principal recorded on state-changing operations.
package observability

import (
	"context"
	"os"
	"os/user"

	"github.com/google/uuid"
)

type opIDKey struct{}
type actorKey struct{}

// WithOpID stores a fresh operation id on the context. Called once per CLI
// invocation; everything downstream reads the same id.
func WithOpID(ctx context.Context) context.Context {
	return context.WithValue(ctx, opIDKey{}, uuid.NewString())
}

// OpID returns the operation id, or "" if none was set.
func OpID(ctx context.Context) string {
	if id, ok := ctx.Value(opIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithActor records the acting principal for audit purposes.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor returns the acting principal. When none was set explicitly, it
// falls back to EUNOMIA_ACTOR and then the local user name, so audit events
// from operator machines stay attributable.
func Actor(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	if actor := os.Getenv("EUNOMIA_ACTOR"); actor != "" {
		return actor
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}
