// Package oauth performs refresh-token exchanges against vendor token
// endpoints. It is the only component that ever sees a token endpoint;
// callers receive classified errors, never raw provider responses.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/mcpgate/mcpgate/internal/credential"
	"github.com/mcpgate/mcpgate/internal/service"
)

const defaultMaxTries = 3

// Provider implements credential.TokenRefresher over the service registry.
// Transient failures (network, provider 5xx) are retried with exponential
// backoff inside the caller's deadline; an explicit rejection of the
// refresh token is reported immediately by wrapping
// credential.ErrInvalidGrant.
type Provider struct {
	registry   *service.Registry
	httpClient *http.Client
	maxTries   uint
}

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient overrides the HTTP client used for token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithMaxTries bounds the in-call retry count for transient failures.
func WithMaxTries(n uint) Option {
	return func(p *Provider) { p.maxTries = n }
}

// NewProvider creates a provider over the registry.
func NewProvider(registry *service.Registry, opts ...Option) *Provider {
	p := &Provider{
		registry:   registry,
		httpClient: http.DefaultClient,
		maxTries:   defaultMaxTries,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Refresh exchanges a refresh token for a new access token. The context is
// expected to carry the resolver's refresh deadline; a timed-out exchange
// is an ordinary (transient) failure.
func (p *Provider) Refresh(ctx context.Context, serviceName, refreshToken string) (credential.RefreshedToken, error) {
	cfg, err := p.registry.OAuthConfig(serviceName)
	if err != nil {
		return credential.RefreshedToken{}, fmt.Errorf("refresh not possible: %w", err)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	operation := func() (*oauth2.Token, error) {
		// a fresh TokenSource per attempt: the exchange must not reuse a
		// cached access token
		tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			if isInvalidGrant(err) {
				return nil, backoff.Permanent(
					fmt.Errorf("%w: %v", credential.ErrInvalidGrant, err))
			}
			return nil, err
		}
		return tok, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond

	tok, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(p.maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Debug().Err(err).Dur("delay", d).Str("service", serviceName).
				Msg("transient refresh failure, retrying")
		}),
	)
	if err != nil {
		return credential.RefreshedToken{}, err
	}

	return credential.RefreshedToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

// isInvalidGrant reports whether the token endpoint explicitly rejected the
// grant, as opposed to failing transiently. Providers signal this with a
// 400/401 response or an RFC 6749 error code.
func isInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}

	if re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return true
		}
	}

	body := strings.ToLower(string(re.Body))
	return strings.Contains(body, "invalid_grant") ||
		strings.Contains(body, "invalid_client") ||
		strings.Contains(body, "invalid_token")
}
