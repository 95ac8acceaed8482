package handler

import (
	"context"

	"github.com/glitchtip/ingest/auth"
)

type contextKey string

const projectAuthContextKey contextKey = "project_auth"

// WithProjectAuth attaches a resolved project auth context to ctx, for
// the auth middleware to call before invoking ingest handlers.
func WithProjectAuth(ctx context.Context, pa *auth.ProjectAuth) context.Context {
	return context.WithValue(ctx, projectAuthContextKey, pa)
}

// ProjectAuthFromContext returns the authenticated project context
// attached by the auth middleware, or nil if the request never passed
// through it.
func ProjectAuthFromContext(ctx context.Context) *auth.ProjectAuth {
	pa, _ := ctx.Value(projectAuthContextKey).(*auth.ProjectAuth)
	return pa
}
