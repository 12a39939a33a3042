package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/internal/credential"
	"github.com/mcpgate/mcpgate/internal/instanceauth"
	"github.com/mcpgate/mcpgate/internal/service"
)

// rewriteTransport redirects all outbound requests to the test server while
// preserving the original path and query, so handlers can keep using the
// production service base URLs.
type rewriteTransport struct {
	target *url.URL
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = rt.target.Scheme
	req.URL.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func newTestServer(t *testing.T, vendor http.HandlerFunc) *Server {
	t.Helper()

	backend := httptest.NewServer(vendor)
	t.Cleanup(backend.Close)

	target, err := url.Parse(backend.URL)
	require.NoError(t, err)

	return New("test", WithHTTPClient(&http.Client{
		Transport: rewriteTransport{target: target},
	}))
}

func githubResolved() credential.Resolved {
	return credential.Resolved{
		InstanceID: "11111111-2222-4333-8444-555555555555",
		UserID:     "user-1",
		Service:    "github",
		Kind:       credential.KindOAuth,
		Token:      "gh-token",
		ExpiresAt:  time.Now().Add(30 * time.Minute),
	}
}

func toolRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = "vendor_request"
	req.Params.Arguments = args
	return req
}

func errorText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.True(t, result.IsError)
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	return text.Text
}

func TestVendorRequestAttachesCredential(t *testing.T) {
	var seen *http.Request
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"login":"octocat"}`))
	})

	ctx := instanceauth.ContextWithResolved(context.Background(), githubResolved())
	result, err := s.handleVendorRequest(ctx, toolRequest(map[string]any{
		"method": "get",
		"path":   "/user",
		"query":  map[string]string{"per_page": "5"},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	require.NotNil(t, seen)
	assert.Equal(t, http.MethodGet, seen.Method)
	assert.Equal(t, "/user", seen.URL.Path)
	assert.Equal(t, "5", seen.URL.Query().Get("per_page"))
	assert.Equal(t, "Bearer gh-token", seen.Header.Get("Authorization"))

	out, ok := result.StructuredContent.(vendorResponse)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.JSONEq(t, `{"login":"octocat"}`, string(out.Body))
	assert.Empty(t, out.BodyText)
	assert.False(t, out.Truncated)
}

func TestVendorRequestNonJSONBody(t *testing.T) {
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("not json at all"))
	})

	ctx := instanceauth.ContextWithResolved(context.Background(), githubResolved())
	result, err := s.handleVendorRequest(ctx, toolRequest(map[string]any{
		"method": "GET",
		"path":   "/zen",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	out, ok := result.StructuredContent.(vendorResponse)
	require.True(t, ok)
	assert.Equal(t, "not json at all", out.BodyText)
	assert.Nil(t, out.Body)
}

func TestVendorRequestTruncatesLargeBody(t *testing.T) {
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"padding":"` + strings.Repeat("x", maxResponseBytes) + `"}`))
	})

	ctx := instanceauth.ContextWithResolved(context.Background(), githubResolved())
	result, err := s.handleVendorRequest(ctx, toolRequest(map[string]any{
		"method": "GET",
		"path":   "/big",
	}))
	require.NoError(t, err)

	out, ok := result.StructuredContent.(vendorResponse)
	require.True(t, ok)
	assert.True(t, out.Truncated)
	assert.Len(t, out.BodyText, maxResponseBytes, "truncated payloads are returned as text")
	assert.Nil(t, out.Body)
}

func TestVendorRequestRejectsUnauthenticatedContext(t *testing.T) {
	s := New("test")

	result, err := s.handleVendorRequest(context.Background(), toolRequest(map[string]any{
		"method": "GET",
		"path":   "/user",
	}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, result), "no authenticated instance")
}

func TestVendorRequestRejectsDisallowedMethod(t *testing.T) {
	s := New("test")

	ctx := instanceauth.ContextWithResolved(context.Background(), githubResolved())
	result, err := s.handleVendorRequest(ctx, toolRequest(map[string]any{
		"method": "TRACE",
		"path":   "/user",
	}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, result), "not allowed")
}

func TestVendorURL(t *testing.T) {
	def, ok := service.Lookup("github")
	require.True(t, ok)

	t.Run("merges query", func(t *testing.T) {
		target, err := vendorURL(def, "/repos/a/b/issues", map[string]string{"state": "open"})
		require.NoError(t, err)
		assert.Equal(t, "https://api.github.com/repos/a/b/issues?state=open", target)
	})

	t.Run("rejects relative path", func(t *testing.T) {
		_, err := vendorURL(def, "user", nil)
		assert.ErrorContains(t, err, "must begin with '/'")
	})

	t.Run("rejects absolute URL", func(t *testing.T) {
		_, err := vendorURL(def, "https://evil.example.com/steal", nil)
		assert.Error(t, err)
	})

	t.Run("rejects protocol-relative host escape", func(t *testing.T) {
		_, err := vendorURL(def, "//evil.example.com/steal", nil)
		assert.ErrorContains(t, err, "relative to the service API")
	})
}

func TestServiceInfoOAuth(t *testing.T) {
	s := New("test")

	ctx := instanceauth.ContextWithResolved(context.Background(), githubResolved())
	result, err := s.handleServiceInfo(ctx, mcp.CallToolRequest{})
	require.NoError(t, err)
	require.False(t, result.IsError)

	info, ok := result.StructuredContent.(serviceInfo)
	require.True(t, ok)
	assert.Equal(t, "github", info.Service)
	assert.Equal(t, "oauth", info.AuthKind)
	assert.Equal(t, "user-1", info.UserID)
	assert.False(t, info.ExpiresAt.IsZero(), "OAuth instances report credential expiry")
}

func TestServiceInfoAPIKeyOmitsExpiry(t *testing.T) {
	s := New("test")

	resolved := credential.Resolved{
		InstanceID: "11111111-2222-4333-8444-555555555555",
		UserID:     "user-2",
		Service:    "todoist",
		Kind:       credential.KindAPIKey,
		Token:      "td-key",
	}
	ctx := instanceauth.ContextWithResolved(context.Background(), resolved)

	result, err := s.handleServiceInfo(ctx, mcp.CallToolRequest{})
	require.NoError(t, err)

	info, ok := result.StructuredContent.(serviceInfo)
	require.True(t, ok)
	assert.Equal(t, "api_key", info.AuthKind)
	assert.True(t, info.ExpiresAt.IsZero())

	raw, err := json.Marshal(info)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "credentialExpiresAt")
}

func TestServiceInfoUnauthenticated(t *testing.T) {
	s := New("test")

	result, err := s.handleServiceInfo(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.Contains(t, errorText(t, result), "no authenticated instance")
}
