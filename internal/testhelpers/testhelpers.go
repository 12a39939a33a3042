// Package testhelpers holds shared fixtures for package tests: an
// in-memory instance store, instance builders and mock vendor token
// endpoints.
package testhelpers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/internal/store"
)

// WriteJSON marshals the payload to the response as JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		// In test context, this should never happen with valid test data
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}

// NewStore opens an in-memory instance store that is closed when the test
// finishes. No cipher is configured; encryption has its own tests.
func NewStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), ":memory:", nil)
	require.NoError(t, err, "failed to open in-memory store")
	t.Cleanup(func() { _ = s.Close() })

	return s
}

// NewInstance returns an active OAuth instance with an expiring access
// token. Callers adjust fields as needed before persisting.
func NewInstance() store.Instance {
	return store.Instance{
		ID:             uuid.NewString(),
		UserID:         "user-1",
		Service:        "github",
		AuthKind:       "oauth",
		AccessToken:    "access-token-0",
		RefreshToken:   "refresh-token-0",
		TokenExpiresAt: time.Now().Add(30 * time.Minute),
		Status:         "active",
		ServiceActive:  true,
	}
}

// SeedInstance persists the instance, failing the test on error.
func SeedInstance(t *testing.T, s *store.Store, inst store.Instance) {
	t.Helper()
	require.NoError(t, s.Create(context.Background(), inst), "failed to seed instance")
}

// TokenResponse is the body served by the mock token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// SetupTokenServer starts a mock OAuth token endpoint that serves responses
// from the handler. The server is closed when the test finishes.
func SetupTokenServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return server
}

// StaticTokenHandler responds to every exchange with the given tokens.
func StaticTokenHandler(access, refresh string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, TokenResponse{
			AccessToken:  access,
			RefreshToken: refresh,
			TokenType:    "Bearer",
			ExpiresIn:    3600,
		})
	}
}
