package instanceauth

import (
	"context"
	"fmt"

	"github.com/mcpgate/mcpgate/internal/credential"
)

type resolvedContextKey struct{}

// ContextWithResolved attaches a resolved credential snapshot to the
// context. Used by the middleware, and by tests wiring handlers directly.
func ContextWithResolved(ctx context.Context, r credential.Resolved) context.Context {
	return context.WithValue(ctx, resolvedContextKey{}, r)
}

// ResolvedFromContext returns the credential snapshot attached by the
// middleware, if any.
func ResolvedFromContext(ctx context.Context) (credential.Resolved, bool) {
	r, ok := ctx.Value(resolvedContextKey{}).(credential.Resolved)
	return r, ok
}

// RequireResolvedFromContext returns the attached snapshot or fails. Only
// call this from handlers behind the middleware; a missing snapshot there
// is a routing bug, not a runtime condition.
func RequireResolvedFromContext(ctx context.Context) (credential.Resolved, error) {
	r, ok := ResolvedFromContext(ctx)
	if !ok {
		return credential.Resolved{}, fmt.Errorf("no resolved credential in context")
	}
	return r, nil
}
