package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// WatcherConfig controls the background sweep.
type WatcherConfig struct {
	// Interval between sweeps.
	Interval time.Duration

	// RefreshLookahead is the window before expiry within which an entry
	// holding a refresh token is refreshed proactively, keeping the
	// exchange off the request path.
	RefreshLookahead time.Duration
}

// WatcherStatus is the introspection snapshot for the observability
// endpoint. Reading it never mutates watcher state.
type WatcherStatus struct {
	IsRunning           bool      `json:"isRunning"`
	LastRunTimestamp    time.Time `json:"lastRunTimestamp"`
	TotalRuns           int64     `json:"totalRuns"`
	SuccessfulRefreshes int64     `json:"successfulRefreshes"`
	FailedRefreshes     int64     `json:"failedRefreshes"`
	CleanedEntries      int64     `json:"cleanedEntries"`
}

// Watcher is the background maintenance loop for a Cache: each tick it
// proactively refreshes entries nearing expiry and removes entries that are
// expired or flagged inactive. It shares the resolver's singleflight group,
// so its refreshes never race a request-path refresh for the same instance.
type Watcher struct {
	resolver *Resolver
	cfg      WatcherConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	status  WatcherStatus

	clock func() time.Time
}

// NewWatcher creates a watcher over the resolver's cache. Start must be
// called for the loop to run.
func NewWatcher(resolver *Resolver, cfg WatcherConfig) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Watcher{
		resolver: resolver,
		cfg:      cfg,
		clock:    time.Now,
	}
}

// Start launches the sweep loop. Calling Start while already running is a
// no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	w.status.IsRunning = true

	go w.run(ctx, w.done)

	log.Info().Dur("interval", w.cfg.Interval).
		Dur("lookahead", w.cfg.RefreshLookahead).
		Msg("credential watcher started")
}

// Stop halts the loop and waits for an in-progress sweep to finish, so
// tests and graceful shutdown are deterministic. Stopping a stopped watcher
// is a no-op.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done

	w.mu.Lock()
	w.running = false
	w.status.IsRunning = false
	w.mu.Unlock()

	log.Info().Msg("credential watcher stopped")
}

// Status returns a copy of the run statistics.
func (w *Watcher) Status() WatcherStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Watcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one maintenance pass. Exported so tests (and an admin trigger)
// can drive the watcher without waiting out the interval.
func (w *Watcher) Sweep(ctx context.Context) {
	now := w.clock()
	var refreshed, failed int64

	for _, e := range w.resolver.Cache().Snapshot() {
		if ctx.Err() != nil {
			return
		}
		if e.Status != StatusActive || e.Credential.RefreshToken == "" {
			continue
		}
		if !e.Credential.ExpiresWithin(now, w.cfg.RefreshLookahead) {
			continue
		}

		if err := w.refreshEntry(ctx, e.InstanceID); err != nil {
			// one bad entry must not abort the sweep
			failed++
			log.Info().Err(err).Str("instance", e.InstanceID).
				Msg("proactive refresh failed, continuing sweep")
		} else {
			refreshed++
		}
	}

	cleaned := int64(w.resolver.Cache().CleanupInvalid("watcher sweep"))
	recordWatcherRun(int(cleaned))

	w.mu.Lock()
	w.status.LastRunTimestamp = now
	w.status.TotalRuns++
	w.status.SuccessfulRefreshes += refreshed
	w.status.FailedRefreshes += failed
	w.status.CleanedEntries += cleaned
	w.mu.Unlock()

	if refreshed > 0 || failed > 0 || cleaned > 0 {
		log.Debug().Int64("refreshed", refreshed).Int64("failed", failed).
			Int64("cleaned", cleaned).Msg("credential watcher sweep complete")
	}
}

// refreshEntry isolates a single proactive refresh, containing panics as
// well as errors.
func (w *Watcher) refreshEntry(ctx context.Context, instanceID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("recover", r).Str("instance", instanceID).
				Msg("panic during proactive refresh; sweep continues")
			err = fmt.Errorf("refresh panic: %v", r)
		}
	}()

	return w.resolver.RefreshAhead(ctx, instanceID)
}
