// Package audit emits one structured log event per request, capturing the
// authentication outcome alongside request metadata. The entry travels in
// the request context so the auth middleware and handlers can enrich it;
// the middleware writes it exactly once when the request completes, panics
// included.
package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the level audit events are written at. Audit entries are
// operational records, not diagnostics: they are emitted regardless of the
// configured debug level.
const Level = zerolog.InfoLevel

// Entry is the mutable per-request audit record.
type Entry struct {
	Method     string
	Path       string
	UserAgent  string
	RemoteAddr string
	Start      time.Time
	Status     int

	// Identity of the instance being accessed, filled by the auth
	// middleware once known.
	InstanceID string
	UserID     string
	Service    string

	// Authorized is set when authentication succeeded. Outcome carries the
	// machine-readable rejection code otherwise.
	Authorized bool
	Outcome    string

	// AuthSubject identifies the operator on admin routes.
	AuthSubject string

	Error string
}

type entryContextKey struct{}

// Context returns a context carrying the given entry, creating one if ctx
// has none. The returned entry pointer is shared: later middleware and
// handlers mutate it in place.
func Context(ctx context.Context) (context.Context, *Entry) {
	if e, ok := ctx.Value(entryContextKey{}).(*Entry); ok {
		return ctx, e
	}
	e := &Entry{}
	return context.WithValue(ctx, entryContextKey{}, e), e
}

// Log returns the entry carried by the context. When no middleware
// installed one (tests, background work), a detached entry is returned so
// callers can mutate unconditionally.
func Log(ctx context.Context) *Entry {
	if e, ok := ctx.Value(entryContextKey{}).(*Entry); ok {
		return e
	}
	return &Entry{}
}

// Middleware installs an audit entry into the request context and writes it
// when the handler returns. The write also happens when the handler panics;
// the panic is then re-raised for the server's recovery handling.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())

			entry.Method = r.Method
			entry.Path = r.URL.Path
			entry.UserAgent = r.UserAgent()
			entry.RemoteAddr = r.RemoteAddr
			entry.Start = time.Now()

			sw := &statusWriter{ResponseWriter: w}

			defer func() {
				entry.Status = sw.status
				write(ctx, entry)

				if rec := recover(); rec != nil {
					panic(rec)
				}
			}()

			next.ServeHTTP(sw, r.WithContext(ctx))
		})
	}
}

func write(ctx context.Context, e *Entry) {
	ev := log.Ctx(ctx).WithLevel(Level).
		Str("audit", "request").
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Dur("duration", time.Since(e.Start)).
		Bool("authorized", e.Authorized)

	if e.UserAgent != "" {
		ev = ev.Str("userAgent", e.UserAgent)
	}
	if e.RemoteAddr != "" {
		ev = ev.Str("remoteAddr", e.RemoteAddr)
	}
	if e.InstanceID != "" {
		ev = ev.Str("instance", e.InstanceID)
	}
	if e.UserID != "" {
		ev = ev.Str("user", e.UserID)
	}
	if e.Service != "" {
		ev = ev.Str("service", e.Service)
	}
	if e.Outcome != "" {
		ev = ev.Str("outcome", e.Outcome)
	}
	if e.AuthSubject != "" {
		ev = ev.Str("authSubject", e.AuthSubject)
	}
	if e.Error != "" {
		ev = ev.Str("error", e.Error)
	}

	ev.Msg("request audit")
}

// statusWriter records the status code written by the handler chain.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Flush forwards to the underlying writer so streaming responses (the MCP
// SSE leg) keep working behind the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
