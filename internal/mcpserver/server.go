// Package mcpserver exposes the per-instance MCP tool surface. Tool calls
// arrive over streamable HTTP behind the instance auth middleware; handlers
// read the resolved credential from the context and proxy vendor API
// requests with the instance's token attached. Clients never see the token.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"

	"github.com/mcpgate/mcpgate/internal/credential"
	"github.com/mcpgate/mcpgate/internal/instanceauth"
	"github.com/mcpgate/mcpgate/internal/service"
)

const (
	serverName = "mcpgate"

	// maxResponseBytes bounds proxied vendor responses returned to tool
	// callers.
	maxResponseBytes = 1 << 20
)

var allowedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
}

// Server is the MCP tool surface served to gateway clients.
type Server struct {
	mcpServer  *server.MCPServer
	streamable *server.StreamableHTTPServer
	httpClient *http.Client
}

// Option configures the server.
type Option func(*Server)

// WithHTTPClient overrides the client used for proxied vendor requests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) { s.httpClient = c }
}

// New creates the MCP server with its tools registered.
func New(version string, opts ...Option) *Server {
	s := &Server{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcpServer = server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)
	s.registerTools()

	// Tool handlers run on a context derived by the streamable transport,
	// not the HTTP request context. Carry the resolved credential across.
	s.streamable = server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if resolved, ok := instanceauth.ResolvedFromContext(r.Context()); ok {
				ctx = instanceauth.ContextWithResolved(ctx, resolved)
			}
			return ctx
		}),
	)

	return s
}

// Handler returns the HTTP handler for the streamable MCP endpoint. It must
// be mounted behind the instance auth middleware.
func (s *Server) Handler() http.Handler {
	return s.streamable
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "vendor_request",
		Description: "Perform an authenticated HTTP request against the connected service's API. The gateway attaches the instance credential; do not supply authorization headers.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"method": map[string]interface{}{
					"type":        "string",
					"description": "HTTP method (GET, POST, PUT, PATCH, DELETE)",
				},
				"path": map[string]interface{}{
					"type":        "string",
					"description": "API path relative to the service base URL, e.g. '/v1/files/abc'",
				},
				"query": map[string]interface{}{
					"type":        "object",
					"description": "Query parameters",
					"additionalProperties": map[string]interface{}{
						"type": "string",
					},
				},
				"body": map[string]interface{}{
					"type":        "string",
					"description": "Request body, sent as JSON when present",
				},
			},
			Required: []string{"method", "path"},
		},
	}, s.handleVendorRequest)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "service_info",
		Description: "Describe the service this instance is connected to.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, s.handleServiceInfo)
}

type vendorRequestArgs struct {
	Method string            `json:"method"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query"`
	Body   string            `json:"body"`
}

type vendorResponse struct {
	Status      int             `json:"status"`
	ContentType string          `json:"contentType,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	BodyText    string          `json:"bodyText,omitempty"`
	Truncated   bool            `json:"truncated,omitempty"`
}

func (s *Server) handleVendorRequest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resolved, err := instanceauth.RequireResolvedFromContext(ctx)
	if err != nil {
		return mcp.NewToolResultError("no authenticated instance for this session"), nil
	}

	var args vendorRequestArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	method := strings.ToUpper(args.Method)
	if !slices.Contains(allowedMethods, method) {
		return mcp.NewToolResultError(fmt.Sprintf("method %q not allowed", args.Method)), nil
	}

	def, ok := service.Lookup(resolved.Service)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown service %q", resolved.Service)), nil
	}

	target, err := vendorURL(def, args.Path, args.Query)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var body io.Reader
	if args.Body != "" {
		body = strings.NewReader(args.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("request construction failed: %v", err)), nil
	}
	req.Header.Set("Authorization", "Bearer "+resolved.Token)
	req.Header.Set("Accept", "application/json")
	if args.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Ctx(ctx).Info().Err(err).
			Str("service", resolved.Service).
			Str("instance", resolved.InstanceID).
			Msg("vendor request failed")
		return mcp.NewToolResultError(fmt.Sprintf("vendor request failed: %v", err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	return vendorResult(resp)
}

// vendorURL resolves the caller's path against the service base URL,
// refusing anything that escapes it.
func vendorURL(def service.Definition, path string, query map[string]string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("path must begin with '/'")
	}

	base, err := url.Parse(def.APIBaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid service base URL: %w", err)
	}

	rel, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	if rel.Host != "" || rel.Scheme != "" {
		return "", fmt.Errorf("path must be relative to the service API")
	}

	target := base.ResolveReference(rel)
	if target.Host != base.Host {
		return "", fmt.Errorf("path must remain on the service API host")
	}

	q := target.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	target.RawQuery = q.Encode()

	return target.String(), nil
}

func vendorResult(resp *http.Response) (*mcp.CallToolResult, error) {
	limited := io.LimitReader(resp.Body, maxResponseBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reading vendor response failed: %v", err)), nil
	}

	truncated := false
	if len(data) > maxResponseBytes {
		data = data[:maxResponseBytes]
		truncated = true
	}

	out := vendorResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Truncated:   truncated,
	}

	// pass JSON through untouched so callers receive structure, not a
	// quoted string
	if json.Valid(data) && !truncated {
		out.Body = json.RawMessage(data)
	} else {
		out.BodyText = string(data)
	}

	return mcp.NewToolResultStructuredOnly(out), nil
}

type serviceInfo struct {
	Service     string    `json:"service"`
	DisplayName string    `json:"displayName"`
	AuthKind    string    `json:"authKind"`
	APIBaseURL  string    `json:"apiBaseUrl"`
	Scopes      []string  `json:"scopes,omitempty"`
	UserID      string    `json:"userId"`
	ExpiresAt   time.Time `json:"credentialExpiresAt,omitzero"`
}

func (s *Server) handleServiceInfo(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resolved, err := instanceauth.RequireResolvedFromContext(ctx)
	if err != nil {
		return mcp.NewToolResultError("no authenticated instance for this session"), nil
	}

	def, ok := service.Lookup(resolved.Service)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown service %q", resolved.Service)), nil
	}

	info := serviceInfo{
		Service:     def.Name,
		DisplayName: def.DisplayName,
		AuthKind:    string(def.Kind),
		APIBaseURL:  def.APIBaseURL,
		Scopes:      def.Scopes,
		UserID:      resolved.UserID,
	}
	if resolved.Kind == credential.KindOAuth {
		info.ExpiresAt = resolved.ExpiresAt
	}

	return mcp.NewToolResultStructuredOnly(info), nil
}
