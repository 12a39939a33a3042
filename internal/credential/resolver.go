package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/mcpgate/mcpgate/internal/store"
)

// InstanceStore is the narrow persistence surface the resolver depends on.
// *store.Store satisfies it; tests supply fakes.
type InstanceStore interface {
	Lookup(ctx context.Context, instanceID string) (store.Instance, error)
	UpdateTokens(ctx context.Context, instanceID string, update store.TokenUpdate) error
	RecordUsage(ctx context.Context, instanceID string) error
	MarkReauthRequired(ctx context.Context, instanceID string) error
}

// TokenRefresher performs the refresh-token exchange against a vendor's
// token endpoint. Implementations must honour context cancellation; a timed
// out exchange surfaces as an ordinary error. A rejected refresh token is
// reported by wrapping ErrInvalidGrant.
type TokenRefresher interface {
	Refresh(ctx context.Context, service, refreshToken string) (RefreshedToken, error)
}

// ResolverConfig carries the refresh policy knobs.
type ResolverConfig struct {
	// MaxRefreshAttempts is the consecutive transient-failure ceiling after
	// which the instance is flagged for re-authentication.
	MaxRefreshAttempts int

	// RefreshTimeout bounds one token-endpoint exchange.
	RefreshTimeout time.Duration
}

// Resolver turns an instance ID into a usable credential: cache first, then
// store, then (for expired OAuth tokens) a refresh exchange.
//
// Concurrent resolutions for the same instance are coalesced through a
// per-instance singleflight group, so a single-use refresh token is never
// presented to the provider twice in parallel. The watcher's proactive
// refresh goes through the same group, which also serialises watcher and
// request-path refreshes for one instance.
//
// New tokens are written to the store before they are exposed through the
// cache, so a crash between the two never leaves the cache ahead of the
// durable record.
type Resolver struct {
	cache     *Cache
	store     InstanceStore
	refresher TokenRefresher
	cfg       ResolverConfig

	group singleflight.Group
	clock func() time.Time
}

// NewResolver wires a resolver. The cache is shared with the watcher and
// owned by the caller.
func NewResolver(cache *Cache, st InstanceStore, refresher TokenRefresher, cfg ResolverConfig) *Resolver {
	if cfg.MaxRefreshAttempts < 1 {
		cfg.MaxRefreshAttempts = 1
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 15 * time.Second
	}
	return &Resolver{
		cache:     cache,
		store:     st,
		refresher: refresher,
		cfg:       cfg,
		clock:     time.Now,
	}
}

// Cache exposes the owned cache for wiring (stats endpoint, admin
// metadata pushes). Mutation still goes through the cache's operation set.
func (r *Resolver) Cache() *Cache { return r.cache }

// Resolve authenticates an instance for a vendor call. The fast path is a
// cache hit with a usable token; everything else funnels through the
// coalesced slow path.
func (r *Resolver) Resolve(ctx context.Context, instanceID string) (Resolved, error) {
	// peek, not Get: an entry with an expired bearer token must stay cached
	// so its refresh token and consecutive-failure counter survive into the
	// slow path.
	if e, ok := r.cache.peek(instanceID); ok {
		switch e.Status {
		case StatusInactive:
			return Resolved{}, ErrInstanceInactive
		case StatusExpired:
			return Resolved{}, ErrInstanceExpired
		}
		if e.Credential.Usable(r.clock()) {
			// a usable credential cannot be expired, so Get is safe here; it
			// records the hit and bumps LastUsed
			if e, ok := r.cache.Get(instanceID); ok {
				return resolvedFrom(e), nil
			}
		}
		// entry without a usable bearer token: fall through to the slow path
	}

	// Note: the first caller's context governs the shared flight. A
	// cancelled waiter still receives the flight's result.
	v, err, _ := r.group.Do(instanceID, func() (any, error) {
		return r.resolveSlow(ctx, instanceID)
	})
	if err != nil {
		return Resolved{}, err
	}
	return v.(Resolved), nil
}

// ResolveExistence is the lightweight variant for low-stakes endpoints
// (health, tool discovery): it validates that the instance exists and is
// active, but never refreshes and accepts a cached entry without a usable
// bearer token, since no vendor call will be made.
func (r *Resolver) ResolveExistence(ctx context.Context, instanceID string) (Resolved, error) {
	if e, ok := r.cache.peek(instanceID); ok {
		switch e.Status {
		case StatusInactive:
			return Resolved{}, ErrInstanceInactive
		case StatusExpired:
			return Resolved{}, ErrInstanceExpired
		}
		return resolvedFrom(e), nil
	}

	rec, err := r.lookupValid(ctx, instanceID)
	if err != nil {
		return Resolved{}, err
	}

	e := entryFromRecord(rec)
	r.cache.Set(instanceID, e)
	return resolvedFrom(e), nil
}

// RefreshAhead refreshes the cached credential for an instance before it
// expires. Called by the watcher; shares the singleflight key with Resolve
// so a concurrent request-path refresh joins the same exchange.
func (r *Resolver) RefreshAhead(ctx context.Context, instanceID string) error {
	_, err, _ := r.group.Do(instanceID, func() (any, error) {
		e, ok := r.cache.peek(instanceID)
		if !ok {
			return Resolved{}, nil // evicted since the sweep chose it
		}
		if e.Credential.RefreshToken == "" {
			return Resolved{}, nil
		}
		return r.refresh(ctx, e.InstanceID, e.Service, e.UserID, e.Credential)
	})
	return err
}

// RecordUsage updates the instance's usage counters. Callers are expected
// to invoke it off the critical path; failures are the caller's to log.
func (r *Resolver) RecordUsage(ctx context.Context, instanceID string) error {
	return r.store.RecordUsage(ctx, instanceID)
}

// resolveSlow is the store-lookup half of the state machine. Runs inside
// the singleflight.
func (r *Resolver) resolveSlow(ctx context.Context, instanceID string) (Resolved, error) {
	rec, err := r.lookupValid(ctx, instanceID)
	if err != nil {
		return Resolved{}, err
	}

	e := entryFromRecord(rec)
	now := r.clock()

	if e.Credential.Usable(now) {
		r.cache.Set(instanceID, e)
		return resolvedFrom(e), nil
	}

	// Bearer token expired or absent. Without a refresh token the client
	// has to restart the OAuth flow.
	if e.Credential.RefreshToken == "" {
		return Resolved{}, ErrReauthRequired
	}

	// Keep an entry in place so the consecutive-failure counter survives
	// across requests. Set only when absent: overwriting would reset the
	// counter.
	if _, ok := r.cache.peek(instanceID); !ok {
		r.cache.Set(instanceID, e)
	}

	return r.refresh(ctx, instanceID, e.Service, e.UserID, e.Credential)
}

// lookupValid fetches the store record and applies the instance-level
// validity rules shared by both middleware variants.
func (r *Resolver) lookupValid(ctx context.Context, instanceID string) (store.Instance, error) {
	rec, err := r.store.Lookup(ctx, instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Instance{}, ErrInstanceNotFound
		}
		return store.Instance{}, &SystemError{Op: "instance lookup", Err: err}
	}

	switch {
	case rec.ReauthRequired:
		return store.Instance{}, ErrReauthRequired
	case rec.Status == string(StatusExpired):
		return store.Instance{}, ErrInstanceExpired
	case rec.Status == string(StatusInactive), !rec.ServiceActive:
		return store.Instance{}, ErrInstanceInactive
	case !rec.ExpiresAt.IsZero() && !rec.ExpiresAt.After(r.clock()):
		return store.Instance{}, ErrInstanceExpired
	}
	return rec, nil
}

// refresh performs one coalesced exchange: provider call, durable write,
// then cache publication.
func (r *Resolver) refresh(ctx context.Context, instanceID, service, userID string, cred Credential) (Resolved, error) {
	rctx, cancel := context.WithTimeout(ctx, r.cfg.RefreshTimeout)
	defer cancel()

	tok, err := r.refresher.Refresh(rctx, service, cred.RefreshToken)
	if err != nil {
		return Resolved{}, r.refreshFailed(ctx, instanceID, service, err)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		// providers may omit the refresh token when it is still valid
		refreshToken = cred.RefreshToken
	}

	// Durable write first: the cache must never get ahead of the store. The
	// write is detached from the caller's cancellation: the exchange already
	// rotated a possibly single-use refresh token, and abandoning the write
	// now would lose the only live copy.
	err = r.store.UpdateTokens(context.WithoutCancel(ctx), instanceID, store.TokenUpdate{
		AccessToken:    tok.AccessToken,
		RefreshToken:   refreshToken,
		TokenExpiresAt: tok.ExpiresAt,
	})
	if err != nil {
		recordRefreshOutcome(service, "persist_failed")
		return Resolved{}, &SystemError{Op: "persist refreshed tokens", Err: err}
	}

	e := Entry{
		InstanceID: instanceID,
		UserID:     userID,
		Service:    service,
		Status:     StatusActive,
		Credential: Credential{
			Kind:         KindOAuth,
			Token:        tok.AccessToken,
			RefreshToken: refreshToken,
			ExpiresAt:    tok.ExpiresAt,
		},
	}
	r.cache.Set(instanceID, e)

	recordRefreshOutcome(service, "success")
	log.Debug().Str("instance", instanceID).Str("service", service).
		Time("expiry", tok.ExpiresAt).Msg("credential refreshed")

	return resolvedFrom(e), nil
}

// refreshFailed classifies a failed exchange. An explicit provider
// rejection is terminal for the refresh token; anything else counts against
// the transient ceiling.
func (r *Resolver) refreshFailed(ctx context.Context, instanceID, service string, cause error) error {
	if errors.Is(cause, ErrInvalidGrant) {
		recordRefreshOutcome(service, "invalid_grant")
		r.requireReauth(ctx, instanceID)
		return fmt.Errorf("%w: %v", ErrReauthRequired, cause)
	}

	attempts := r.cache.IncrementRefreshAttempts(instanceID)
	recordRefreshOutcome(service, "transient")

	if attempts >= r.cfg.MaxRefreshAttempts {
		log.Warn().Str("instance", instanceID).Int("attempts", attempts).
			Msg("refresh attempt ceiling reached, requiring re-authentication")
		r.requireReauth(ctx, instanceID)
		return fmt.Errorf("%w: %d consecutive refresh failures, last: %v",
			ErrReauthRequired, attempts, cause)
	}

	return &TransientError{Attempts: attempts, Err: cause}
}

// requireReauth flags the durable record and drops the cache entry so the
// dead credential cannot keep serving.
func (r *Resolver) requireReauth(ctx context.Context, instanceID string) {
	if err := r.store.MarkReauthRequired(ctx, instanceID); err != nil {
		log.Warn().Err(err).Str("instance", instanceID).
			Msg("failed to flag instance for re-authentication")
	}
	r.cache.Remove(instanceID)
}

func entryFromRecord(rec store.Instance) Entry {
	cred := Credential{
		Kind:         Kind(rec.AuthKind),
		RefreshToken: rec.RefreshToken,
	}
	if cred.Kind == KindAPIKey {
		cred.Token = rec.APIKey
	} else {
		cred.Token = rec.AccessToken
		cred.ExpiresAt = rec.TokenExpiresAt
	}

	return Entry{
		InstanceID: rec.ID,
		UserID:     rec.UserID,
		Service:    rec.Service,
		Status:     Status(rec.Status),
		Credential: cred,
	}
}

func resolvedFrom(e Entry) Resolved {
	return Resolved{
		InstanceID: e.InstanceID,
		UserID:     e.UserID,
		Service:    e.Service,
		Kind:       e.Credential.Kind,
		Token:      e.Credential.Token,
		ExpiresAt:  e.Credential.ExpiresAt,
	}
}
