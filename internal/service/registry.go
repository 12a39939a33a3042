// Package service defines the closed set of supported vendors. Credential
// shapes are a fixed tagged variant per service, not duck-typed records,
// and there is no runtime module loading: adding a vendor means adding a
// definition here.
package service

import (
	"fmt"
	"sort"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// AuthKind is the credential shape a service uses.
type AuthKind string

const (
	AuthAPIKey AuthKind = "api_key"
	AuthOAuth  AuthKind = "oauth"
)

// Definition describes one supported vendor.
type Definition struct {
	Name        string
	DisplayName string
	Kind        AuthKind

	// Endpoint is the OAuth token/authorize endpoint pair. Zero for
	// API-key services.
	Endpoint oauth2.Endpoint

	// Scopes requested during authorization; refresh exchanges inherit the
	// original grant.
	Scopes []string

	// APIBaseURL is where proxied vendor requests are sent.
	APIBaseURL string
}

var definitions = map[string]Definition{
	"figma": {
		Name:        "figma",
		DisplayName: "Figma",
		Kind:        AuthOAuth,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://www.figma.com/oauth",
			TokenURL: "https://api.figma.com/v1/oauth/token",
		},
		Scopes:     []string{"file_read"},
		APIBaseURL: "https://api.figma.com",
	},
	"github": {
		Name:        "github",
		DisplayName: "GitHub",
		Kind:        AuthOAuth,
		Endpoint:    endpoints.GitHub,
		Scopes:      []string{"repo", "read:user"},
		APIBaseURL:  "https://api.github.com",
	},
	"gmail": {
		Name:        "gmail",
		DisplayName: "Gmail",
		Kind:        AuthOAuth,
		Endpoint:    endpoints.Google,
		Scopes:      []string{"https://www.googleapis.com/auth/gmail.modify"},
		APIBaseURL:  "https://gmail.googleapis.com",
	},
	"gdrive": {
		Name:        "gdrive",
		DisplayName: "Google Drive",
		Kind:        AuthOAuth,
		Endpoint:    endpoints.Google,
		Scopes:      []string{"https://www.googleapis.com/auth/drive"},
		APIBaseURL:  "https://www.googleapis.com",
	},
	"notion": {
		Name:        "notion",
		DisplayName: "Notion",
		Kind:        AuthOAuth,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://api.notion.com/v1/oauth/authorize",
			TokenURL: "https://api.notion.com/v1/oauth/token",
		},
		APIBaseURL: "https://api.notion.com",
	},
	"dropbox": {
		Name:        "dropbox",
		DisplayName: "Dropbox",
		Kind:        AuthOAuth,
		Endpoint:    endpoints.Dropbox,
		APIBaseURL:  "https://api.dropboxapi.com",
	},
	"slack": {
		Name:        "slack",
		DisplayName: "Slack",
		Kind:        AuthOAuth,
		Endpoint:    endpoints.Slack,
		Scopes:      []string{"channels:read", "chat:write"},
		APIBaseURL:  "https://slack.com/api",
	},
	"todoist": {
		Name:        "todoist",
		DisplayName: "Todoist",
		Kind:        AuthAPIKey,
		APIBaseURL:  "https://api.todoist.com",
	},
}

// Lookup returns the definition for a service name.
func Lookup(name string) (Definition, bool) {
	d, ok := definitions[name]
	return d, ok
}

// Names returns the supported service names, sorted.
func Names() []string {
	names := make([]string, 0, len(definitions))
	for n := range definitions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Registry binds service definitions to the deployment's OAuth client
// registrations.
type Registry struct {
	clientIDs     map[string]string
	clientSecrets map[string]string
}

// NewRegistry creates a registry from per-service client credentials, as
// loaded from configuration.
func NewRegistry(clientIDs, clientSecrets map[string]string) *Registry {
	return &Registry{clientIDs: clientIDs, clientSecrets: clientSecrets}
}

// OAuthConfig returns the oauth2 configuration for a service, or an error
// when the service is unknown, does not use OAuth, or has no client
// registered.
func (r *Registry) OAuthConfig(name string) (*oauth2.Config, error) {
	def, ok := definitions[name]
	if !ok {
		return nil, fmt.Errorf("unknown service %q", name)
	}
	if def.Kind != AuthOAuth {
		return nil, fmt.Errorf("service %q does not use OAuth", name)
	}

	clientID, ok := r.clientIDs[name]
	if !ok || clientID == "" {
		return nil, fmt.Errorf("no OAuth client registered for service %q", name)
	}

	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: r.clientSecrets[name],
		Endpoint:     def.Endpoint,
		Scopes:       def.Scopes,
	}, nil
}
