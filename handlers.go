package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcpgate/mcpgate/internal/credential"
	"github.com/mcpgate/mcpgate/internal/instanceauth"
	"github.com/mcpgate/mcpgate/internal/service"
	"github.com/mcpgate/mcpgate/internal/store"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// statusResponse is the introspection payload: a non-mutating snapshot of
// the cache and watcher.
type statusResponse struct {
	Cache   credential.CacheStats    `json:"cache"`
	Watcher credential.WatcherStatus `json:"watcher"`
	Time    time.Time                `json:"time"`
}

func handleStatus(resolver *credential.Resolver, watcher *credential.Watcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		writeJSON(w, statusResponse{
			Cache:   resolver.Cache().Stats(),
			Watcher: watcher.Status(),
			Time:    time.Now(),
		})
	})
}

// instanceHealthResponse answers the lightweight per-instance probe.
type instanceHealthResponse struct {
	InstanceID string `json:"instanceId"`
	Service    string `json:"service"`
	Status     string `json:"status"`
}

func handleInstanceHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		resolved, err := instanceauth.RequireResolvedFromContext(r.Context())
		if err != nil {
			// only reachable when routed outside the auth middleware
			requestError(w, http.StatusInternalServerError)
			return
		}

		writeJSON(w, instanceHealthResponse{
			InstanceID: resolved.InstanceID,
			Service:    resolved.Service,
			Status:     "ok",
		})
	})
}

// instanceStatusRequest is the admin lifecycle-change payload.
type instanceStatusRequest struct {
	Status string `json:"status"`
}

// StatusSetter is the narrow store surface the admin handler needs.
type StatusSetter interface {
	SetStatus(ctx context.Context, instanceID, status string) error
}

func handleSetInstanceStatus(st StatusSetter, resolver *credential.Resolver) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		instanceID := r.PathValue("instance")

		var req instanceStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		status := credential.Status(req.Status)
		switch status {
		case credential.StatusActive, credential.StatusInactive, credential.StatusExpired:
		default:
			writeJSONError(w, http.StatusBadRequest, "invalid status")
			return
		}

		if err := st.SetStatus(r.Context(), instanceID, req.Status); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeJSONError(w, http.StatusNotFound, "instance not found")
				return
			}
			statusCode, message := errorStatus(err)
			log.Info().Err(err).Str("instance", instanceID).
				Msg("instance status update failed")
			writeJSONError(w, statusCode, message)
			return
		}

		// Push the change into the cache so the new status takes effect
		// without waiting for expiry or a sweep. A miss is fine: the next
		// resolution reads the store.
		resolver.Cache().UpdateMetadata(instanceID, credential.MetadataUpdate{
			Status: &status,
		})

		w.WriteHeader(http.StatusNoContent)
	})
}

func handleSweep(watcher *credential.Watcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		watcher.Sweep(r.Context())
		writeJSON(w, watcher.Status())
	})
}

// servicesResponse lists supported vendors for provisioning UIs.
type servicesResponse struct {
	Services []serviceEntry `json:"services"`
}

type serviceEntry struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	AuthKind    string `json:"authKind"`
}

func handleListServices() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var out servicesResponse
		for _, name := range service.Names() {
			def, _ := service.Lookup(name)
			out.Services = append(out.Services, serviceEntry{
				Name:        def.Name,
				DisplayName: def.DisplayName,
				AuthKind:    string(def.Kind),
			})
		}
		writeJSON(w, out)
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Info().Msgf("failed to write JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{Error: message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON error response: %v", err)
	}
}

// errorStatus extracts HTTP status code and message from an error.
// Returns (StatusInternalServerError, StatusText) for errors that don't implement HTTPStatuser.
func errorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	if code := credential.HTTPStatus(err); code != http.StatusInternalServerError {
		return code, err.Error()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5 MB max: after this we'll assume the client is broken or malicious
		// and close the connection
		io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
