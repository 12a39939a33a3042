package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/internal/credential"
	"github.com/mcpgate/mcpgate/internal/instanceauth"
	"github.com/mcpgate/mcpgate/internal/store"
	"github.com/mcpgate/mcpgate/internal/testhelpers"
)

type staticRefresher struct{}

func (staticRefresher) Refresh(context.Context, string, string) (credential.RefreshedToken, error) {
	return credential.RefreshedToken{}, errors.New("refresh not expected in this test")
}

func newTestResolver(t *testing.T) (*credential.Resolver, *store.Store) {
	t.Helper()

	st := testhelpers.NewStore(t)
	cache := credential.NewCache(100)
	resolver := credential.NewResolver(cache, st, staticRefresher{}, credential.ResolverConfig{
		MaxRefreshAttempts: 3,
		RefreshTimeout:     time.Second,
	})
	return resolver, st
}

func TestHandleStatus(t *testing.T) {
	resolver, _ := newTestResolver(t)
	watcher := credential.NewWatcher(resolver, credential.WatcherConfig{Interval: time.Hour})

	rec := httptest.NewRecorder()
	handleStatus(resolver, watcher).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var payload statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.False(t, payload.Watcher.IsRunning)
	assert.Zero(t, payload.Cache.TotalEntries)
	assert.WithinDuration(t, time.Now(), payload.Time, 5*time.Second)
}

func TestHandleInstanceHealth(t *testing.T) {
	resolved := credential.Resolved{
		InstanceID: "11111111-2222-4333-8444-555555555555",
		Service:    "github",
	}

	req := httptest.NewRequest(http.MethodGet, "/instance/x/health", nil)
	req = req.WithContext(instanceauth.ContextWithResolved(req.Context(), resolved))

	rec := httptest.NewRecorder()
	handleInstanceHealth().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var payload instanceHealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, resolved.InstanceID, payload.InstanceID)
	assert.Equal(t, "github", payload.Service)
	assert.Equal(t, "ok", payload.Status)
}

func TestHandleInstanceHealthWithoutMiddleware(t *testing.T) {
	rec := httptest.NewRecorder()
	handleInstanceHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/instance/x/health", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func setStatusRequest(instanceID, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost,
		"/admin/instance/"+instanceID+"/status", strings.NewReader(body))
	req.SetPathValue("instance", instanceID)
	return req
}

func TestHandleSetInstanceStatus(t *testing.T) {
	resolver, st := newTestResolver(t)

	inst := testhelpers.NewInstance()
	testhelpers.SeedInstance(t, st, inst)

	// a cached entry must see the change immediately
	resolver.Cache().Set(inst.ID, credential.Entry{
		InstanceID: inst.ID,
		UserID:     inst.UserID,
		Service:    inst.Service,
		Status:     credential.StatusActive,
		Credential: credential.Credential{
			Kind:      credential.KindOAuth,
			Token:     inst.AccessToken,
			ExpiresAt: inst.TokenExpiresAt,
		},
	})

	rec := httptest.NewRecorder()
	handleSetInstanceStatus(st, resolver).ServeHTTP(rec,
		setStatusRequest(inst.ID, `{"status":"inactive"}`))

	require.Equal(t, http.StatusNoContent, rec.Code)

	stored, err := st.Lookup(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "inactive", stored.Status)

	entry, ok := resolver.Cache().Get(inst.ID)
	require.True(t, ok)
	assert.Equal(t, credential.StatusInactive, entry.Status)
}

func TestHandleSetInstanceStatusRejectsUnknownStatus(t *testing.T) {
	resolver, st := newTestResolver(t)

	rec := httptest.NewRecorder()
	handleSetInstanceStatus(st, resolver).ServeHTTP(rec,
		setStatusRequest("some-id", `{"status":"paused"}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var payload ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "invalid status", payload.Error)
}

func TestHandleSetInstanceStatusRejectsBadBody(t *testing.T) {
	resolver, st := newTestResolver(t)

	rec := httptest.NewRecorder()
	handleSetInstanceStatus(st, resolver).ServeHTTP(rec,
		setStatusRequest("some-id", `{not json`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSetInstanceStatusUnknownInstance(t *testing.T) {
	resolver, st := newTestResolver(t)

	rec := httptest.NewRecorder()
	handleSetInstanceStatus(st, resolver).ServeHTTP(rec,
		setStatusRequest("22222222-3333-4444-8555-666666666666", `{"status":"active"}`))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSweep(t *testing.T) {
	resolver, _ := newTestResolver(t)
	watcher := credential.NewWatcher(resolver, credential.WatcherConfig{Interval: time.Hour})

	rec := httptest.NewRecorder()
	handleSweep(watcher).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/sweep", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var payload credential.WatcherStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, int64(1), payload.TotalRuns)
	assert.False(t, payload.LastRunTimestamp.IsZero())
}

func TestHandleListServices(t *testing.T) {
	rec := httptest.NewRecorder()
	handleListServices().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/services", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var payload servicesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.NotEmpty(t, payload.Services)

	names := make(map[string]serviceEntry, len(payload.Services))
	for _, s := range payload.Services {
		names[s.Name] = s
		assert.NotEmpty(t, s.DisplayName)
		assert.NotEmpty(t, s.AuthKind)
	}
	assert.Contains(t, names, "github")
	assert.Equal(t, "oauth", names["github"].AuthKind)
	assert.Contains(t, names, "todoist")
	assert.Equal(t, "api_key", names["todoist"].AuthKind)
}

func TestHandleHealthCheck(t *testing.T) {
	rec := httptest.NewRecorder()
	handleHealthCheck().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

type statusError struct{}

func (statusError) Error() string         { return "teapot" }
func (statusError) Status() (int, string) { return http.StatusTeapot, "teapot" }

func TestErrorStatus(t *testing.T) {
	code, msg := errorStatus(statusError{})
	assert.Equal(t, http.StatusTeapot, code)
	assert.Equal(t, "teapot", msg)

	code, msg = errorStatus(credential.ErrInstanceInactive)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, credential.ErrInstanceInactive.Error(), msg)

	code, msg = errorStatus(errors.New("database exploded"))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.NotContains(t, msg, "exploded", "internal detail must not leak")
}

func TestMaxRequestSize(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := json.NewDecoder(r.Body).Decode(&struct{}{})
		if err != nil {
			requestError(w, http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	handler := maxRequestSize(16)(inner)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"k":"`+strings.Repeat("x", 64)+`"}`))
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
