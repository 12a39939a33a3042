// Package instanceauth is the per-request authentication gate for instance
// routes. It validates the instance identifier before any I/O, resolves a
// credential through the cache/store/refresh chain, and attaches a
// read-only snapshot to the request context. Downstream handlers never see
// refresh tokens or cache internals.
package instanceauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcpgate/mcpgate/internal/audit"
	"github.com/mcpgate/mcpgate/internal/cache"
	"github.com/mcpgate/mcpgate/internal/credential"
)

// negativeCacheSize bounds the nonexistent-instance cache. Entries are
// tiny; the bound exists to contain deliberate ID floods.
const negativeCacheSize = 50_000

// Middleware gates instance routes on credential resolution.
type Middleware struct {
	resolver *credential.Resolver

	// negative remembers recently rejected instance IDs so floods of
	// requests for nonexistent instances don't reach the store.
	negative *cache.Memory[time.Time]
}

// New creates the middleware. negativeTTL bounds how long a "no such
// instance" verdict is remembered; zero disables the negative cache.
func New(resolver *credential.Resolver, negativeTTL time.Duration) (*Middleware, error) {
	m := &Middleware{resolver: resolver}

	if negativeTTL > 0 {
		neg, err := cache.NewMemory[time.Time](negativeTTL, negativeCacheSize)
		if err != nil {
			return nil, err
		}
		m.negative = neg
	}

	return m, nil
}

// Require returns the full authentication middleware: the request proceeds
// only with a currently usable credential attached, refreshing through the
// resolver when necessary.
func (m *Middleware) Require() func(http.Handler) http.Handler {
	return m.middleware(func(ctx context.Context, instanceID string) (credential.Resolved, error) {
		return m.resolver.Resolve(ctx, instanceID)
	})
}

// RequireExistence returns the lightweight variant for low-stakes endpoints
// (health, tool discovery): it validates that the instance exists and is
// active but never forces a token refresh, and accepts an entry without a
// usable bearer token since no vendor call will be made.
func (m *Middleware) RequireExistence() func(http.Handler) http.Handler {
	return m.middleware(func(ctx context.Context, instanceID string) (credential.Resolved, error) {
		return m.resolver.ResolveExistence(ctx, instanceID)
	})
}

func (m *Middleware) middleware(resolve func(context.Context, string) (credential.Resolved, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			entry := audit.Log(ctx)

			instanceID := r.PathValue("instance")
			if !validInstanceID(instanceID) {
				reject(w, entry, credential.ErrMalformedID)
				return
			}
			entry.InstanceID = instanceID

			if m.rejectedRecently(ctx, instanceID) {
				reject(w, entry, credential.ErrInstanceNotFound)
				return
			}

			resolved, err := resolve(ctx, instanceID)
			if err != nil {
				if errors.Is(err, credential.ErrInstanceNotFound) {
					m.rememberRejection(ctx, instanceID)
				}
				reject(w, entry, err)
				return
			}

			entry.Authorized = true
			entry.UserID = resolved.UserID
			entry.Service = resolved.Service

			m.forgetRejection(ctx, instanceID)
			m.recordUsageAsync(ctx, instanceID)

			next.ServeHTTP(w, r.WithContext(ContextWithResolved(ctx, resolved)))
		})
	}
}

// validInstanceID accepts only canonical v4 UUIDs. uuid.Parse also takes
// urn:uuid:, braced and bare-hex forms, which would pass here yet never
// match a store record keyed by canonical text; the length check rules
// them out before parsing. Anything else is rejected before cache, store
// or network access.
func validInstanceID(id string) bool {
	if len(id) != 36 {
		return false
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return u.Version() == 4
}

func (m *Middleware) rejectedRecently(ctx context.Context, instanceID string) bool {
	if m.negative == nil {
		return false
	}
	_, found, err := m.negative.Get(ctx, instanceID)
	return err == nil && found
}

func (m *Middleware) rememberRejection(ctx context.Context, instanceID string) {
	if m.negative == nil {
		return
	}
	if err := m.negative.Set(ctx, instanceID, time.Now()); err != nil {
		log.Debug().Err(err).Msg("negative cache set failed")
	}
}

func (m *Middleware) forgetRejection(ctx context.Context, instanceID string) {
	if m.negative == nil {
		return
	}
	if err := m.negative.Invalidate(ctx, instanceID); err != nil {
		log.Debug().Err(err).Msg("negative cache invalidate failed")
	}
}

// recordUsageAsync updates usage counters off the critical path. Failure to
// record usage must not fail the request.
func (m *Middleware) recordUsageAsync(ctx context.Context, instanceID string) {
	bg := context.WithoutCancel(ctx)
	go func() {
		if err := m.resolver.RecordUsage(bg, instanceID); err != nil {
			log.Debug().Err(err).Str("instance", instanceID).
				Msg("usage recording failed")
		}
	}()
}

// errorResponse is the JSON rejection body. Code is stable and
// machine-readable; "reauth_required" tells the client to restart the
// OAuth flow.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func reject(w http.ResponseWriter, entry *audit.Entry, err error) {
	code := credential.ErrorCode(err)
	status := credential.HTTPStatus(err)

	entry.Outcome = code
	entry.Error = err.Error()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(errorResponse{
		Error: publicMessage(err),
		Code:  code,
	}); encodeErr != nil {
		log.Info().Err(encodeErr).Msg("failed to write rejection response")
	}
}

// publicMessage keeps internal fault detail out of responses: system and
// transient errors surface a generic message, auth outcomes surface their
// sentinel text.
func publicMessage(err error) string {
	switch {
	case errors.Is(err, credential.ErrMalformedID),
		errors.Is(err, credential.ErrInstanceNotFound),
		errors.Is(err, credential.ErrInstanceInactive),
		errors.Is(err, credential.ErrInstanceExpired),
		errors.Is(err, credential.ErrReauthRequired):
		return err.Error()
	default:
		return http.StatusText(credential.HTTPStatus(err))
	}
}
