package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/internal/store"
)

func newTestWatcher(r *Resolver, clock *fakeClock, lookahead time.Duration) *Watcher {
	w := NewWatcher(r, WatcherConfig{
		Interval:         time.Hour, // sweeps are driven manually
		RefreshLookahead: lookahead,
	})
	w.clock = clock.Now
	return w
}

func TestWatcherStartStopIdempotent(t *testing.T) {
	clock := newFakeClock()
	r := newTestResolver(newFakeStore(), &fakeRefresher{}, clock, 4)
	w := newTestWatcher(r, clock, 10*time.Minute)

	ctx := context.Background()
	w.Start(ctx)
	w.Start(ctx) // no-op
	assert.True(t, w.Status().IsRunning)

	w.Stop()
	assert.False(t, w.Status().IsRunning)
	w.Stop() // no-op
}

func TestWatcherSweepRefreshesExpiring(t *testing.T) {
	clock := newFakeClock()

	soon := oauthInstance("i-soon", clock)
	soon.TokenExpiresAt = clock.Now().Add(5 * time.Minute)

	later := oauthInstance("i-later", clock)
	later.TokenExpiresAt = clock.Now().Add(2 * time.Hour)

	st := newFakeStore(soon, later)
	refresher := &fakeRefresher{
		refresh: func(context.Context, string, string) (RefreshedToken, error) {
			return RefreshedToken{
				AccessToken: "refreshed",
				ExpiresAt:   clock.Now().Add(time.Hour),
			}, nil
		},
	}
	r := newTestResolver(st, refresher, clock, 4)
	r.Cache().Set("i-soon", entryFromRecord(soon))
	r.Cache().Set("i-later", entryFromRecord(later))

	w := newTestWatcher(r, clock, 10*time.Minute)
	w.Sweep(context.Background())

	assert.Equal(t, int64(1), refresher.calls.Load(),
		"only the entry inside the lookahead window is refreshed")

	e, ok := r.Cache().Get("i-soon")
	require.True(t, ok)
	assert.Equal(t, "refreshed", e.Credential.Token)

	status := w.Status()
	assert.Equal(t, int64(1), status.TotalRuns)
	assert.Equal(t, int64(1), status.SuccessfulRefreshes)
	assert.Equal(t, int64(0), status.FailedRefreshes)
}

func TestWatcherSweepSkipsEntriesWithoutRefreshToken(t *testing.T) {
	clock := newFakeClock()

	apiKey := store.Instance{
		ID: "i-key", UserID: "u", Service: "todoist", AuthKind: "api_key",
		APIKey: "k", Status: "active", ServiceActive: true,
	}
	st := newFakeStore(apiKey)
	refresher := &fakeRefresher{
		refresh: func(context.Context, string, string) (RefreshedToken, error) {
			t.Fatal("nothing to refresh")
			return RefreshedToken{}, nil
		},
	}
	r := newTestResolver(st, refresher, clock, 4)
	r.Cache().Set("i-key", entryFromRecord(apiKey))

	w := newTestWatcher(r, clock, 10*time.Minute)
	w.Sweep(context.Background())

	assert.Zero(t, refresher.calls.Load())
}

func TestWatcherSweepCleansInvalidEntries(t *testing.T) {
	clock := newFakeClock()
	st := newFakeStore()
	r := newTestResolver(st, &fakeRefresher{}, clock, 4)

	gone := activeEntry("i-gone", time.Minute, clock)
	gone.Credential.RefreshToken = "" // nothing to refresh, will just expire
	r.Cache().Set("i-gone", gone)

	inactive := activeEntry("i-inactive", time.Hour, clock)
	inactive.Status = StatusInactive
	r.Cache().Set("i-inactive", inactive)

	clock.Advance(5 * time.Minute)

	w := newTestWatcher(r, clock, time.Minute)
	w.Sweep(context.Background())

	assert.Equal(t, 0, r.Cache().Len())
	assert.Equal(t, int64(2), w.Status().CleanedEntries)
}

func TestWatcherSweepIsolatesFailures(t *testing.T) {
	clock := newFakeClock()

	bad := oauthInstance("i-bad", clock)
	bad.TokenExpiresAt = clock.Now().Add(time.Minute)
	good := oauthInstance("i-good", clock)
	good.TokenExpiresAt = clock.Now().Add(time.Minute)

	st := newFakeStore(bad, good)
	refresher := &fakeRefresher{
		refresh: func(_ context.Context, _, refreshToken string) (RefreshedToken, error) {
			return RefreshedToken{
				AccessToken: "refreshed",
				ExpiresAt:   clock.Now().Add(time.Hour),
			}, nil
		},
	}
	r := newTestResolver(st, refresher, clock, 4)

	badEntry := entryFromRecord(bad)
	badEntry.Credential.RefreshToken = "bad-refresh"
	r.Cache().Set("i-bad", badEntry)
	r.Cache().Set("i-good", entryFromRecord(good))

	// fail only the bad instance
	refresher.refresh = func(_ context.Context, _, refreshToken string) (RefreshedToken, error) {
		if refreshToken == "bad-refresh" {
			return RefreshedToken{}, errors.New("provider 500")
		}
		return RefreshedToken{
			AccessToken: "refreshed",
			ExpiresAt:   clock.Now().Add(time.Hour),
		}, nil
	}

	w := newTestWatcher(r, clock, 10*time.Minute)
	w.Sweep(context.Background())

	status := w.Status()
	assert.Equal(t, int64(1), status.SuccessfulRefreshes)
	assert.Equal(t, int64(1), status.FailedRefreshes,
		"one bad entry must not abort the sweep")

	e, ok := r.Cache().Get("i-good")
	require.True(t, ok)
	assert.Equal(t, "refreshed", e.Credential.Token)
}

func TestWatcherSweepContainsPanics(t *testing.T) {
	clock := newFakeClock()
	inst := oauthInstance("i-1", clock)
	inst.TokenExpiresAt = clock.Now().Add(time.Minute)
	st := newFakeStore(inst)

	refresher := &fakeRefresher{
		refresh: func(context.Context, string, string) (RefreshedToken, error) {
			panic("refresher exploded")
		},
	}
	r := newTestResolver(st, refresher, clock, 4)
	r.Cache().Set("i-1", entryFromRecord(inst))

	w := newTestWatcher(r, clock, 10*time.Minute)

	require.NotPanics(t, func() {
		w.Sweep(context.Background())
	})
	assert.Equal(t, int64(1), w.Status().FailedRefreshes)
}

func TestWatcherStatusCopies(t *testing.T) {
	clock := newFakeClock()
	r := newTestResolver(newFakeStore(), &fakeRefresher{}, clock, 4)
	w := newTestWatcher(r, clock, time.Minute)

	s1 := w.Status()
	w.Sweep(context.Background())
	s2 := w.Status()

	assert.Equal(t, int64(0), s1.TotalRuns)
	assert.Equal(t, int64(1), s2.TotalRuns)
}

func TestWatcherTicksOnInterval(t *testing.T) {
	clock := newFakeClock()
	inst := oauthInstance("i-1", clock)
	inst.TokenExpiresAt = clock.Now().Add(time.Minute)
	st := newFakeStore(inst)

	refreshed := make(chan struct{}, 1)
	refresher := &fakeRefresher{
		refresh: func(context.Context, string, string) (RefreshedToken, error) {
			select {
			case refreshed <- struct{}{}:
			default:
			}
			return RefreshedToken{
				AccessToken: "refreshed",
				ExpiresAt:   clock.Now().Add(time.Hour),
			}, nil
		},
	}
	r := newTestResolver(st, refresher, clock, 4)
	r.Cache().Set("i-1", entryFromRecord(inst))

	w := NewWatcher(r, WatcherConfig{
		Interval:         10 * time.Millisecond,
		RefreshLookahead: 10 * time.Minute,
	})
	w.clock = clock.Now

	w.Start(context.Background())
	defer w.Stop()

	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never swept")
	}
}
