package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Authorization AuthorizationConfig
	Credential    CredentialConfig
	OAuth         OAuthConfig
	Observe       ObserveConfig
	Server        ServerConfig
	Store         StoreConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

// CredentialConfig controls the credential cache, the background watcher and
// the refresh policy. The lookahead window and the retry ceiling are explicit
// here rather than constants buried in the watcher.
type CredentialConfig struct {
	// WatcherIntervalSeconds is the period of the background sweep.
	WatcherIntervalSeconds int `env:"CRED_WATCHER_INTERVAL_SECS, default=30"`

	// RefreshLookaheadSeconds is the window before expiry within which the
	// watcher refreshes a token proactively.
	RefreshLookaheadSeconds int `env:"CRED_REFRESH_LOOKAHEAD_SECS, default=600"`

	// MaxRefreshAttempts is the number of consecutive transient refresh
	// failures tolerated before an instance is flagged for re-authentication.
	MaxRefreshAttempts int `env:"CRED_MAX_REFRESH_ATTEMPTS, default=4"`

	// RefreshTimeoutSeconds bounds a single token-endpoint exchange.
	RefreshTimeoutSeconds int `env:"CRED_REFRESH_TIMEOUT_SECS, default=15"`

	// CacheMaxEntries bounds the in-memory credential cache.
	CacheMaxEntries int `env:"CRED_CACHE_MAX_ENTRIES, default=10000"`

	// NegativeTTLSeconds is the TTL of the negative-lookup cache that shields
	// the store from repeated requests for nonexistent instances.
	NegativeTTLSeconds int `env:"CRED_NEGATIVE_TTL_SECS, default=30"`
}

func (c CredentialConfig) WatcherInterval() time.Duration {
	return time.Duration(c.WatcherIntervalSeconds) * time.Second
}

func (c CredentialConfig) RefreshLookahead() time.Duration {
	return time.Duration(c.RefreshLookaheadSeconds) * time.Second
}

func (c CredentialConfig) RefreshTimeout() time.Duration {
	return time.Duration(c.RefreshTimeoutSeconds) * time.Second
}

func (c CredentialConfig) NegativeTTL() time.Duration {
	return time.Duration(c.NegativeTTLSeconds) * time.Second
}

// StoreConfig specifies the instance store backing database.
type StoreConfig struct {
	// Path is the sqlite database file. ":memory:" is accepted for tests.
	Path string `env:"STORE_PATH, default=mcpgate.db"`

	// EncryptionKeyset is a base64-encoded Tink keyset used to encrypt
	// refresh tokens at rest. Empty disables encryption.
	EncryptionKeyset string `env:"STORE_ENCRYPTION_KEYSET"`
}

// OAuthConfig carries per-service OAuth client registrations. Maps are keyed
// by service name ("figma", "github", ...) using the envconfig
// "name:value,name:value" syntax.
type OAuthConfig struct {
	ClientIDs     map[string]string `env:"OAUTH_CLIENT_IDS"`
	ClientSecrets map[string]string `env:"OAUTH_CLIENT_SECRETS"`
}

// AuthorizationConfig protects the admin/introspection surface. IssuerURL
// is required; startup fails without it rather than serving the admin
// surface unauthenticated.
type AuthorizationConfig struct {
	Audience            string `env:"JWT_AUDIENCE, default=mcpgate-admin"`
	IssuerURL           string `env:"JWT_ISSUER_URL"`
	ConfigurationStatic string `env:"JWT_JWKS_STATIC"`
}

type ObserveConfig struct {
	SDKLogLevel               string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                   bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled            bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                      string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName               string `env:"OBSERVE_SERVICE_NAME, default=mcpgate"`
	TraceBatchTimeoutSeconds  int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled      bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTrace       bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	err = cfg.Credential.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid credential configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the credential configuration is coherent.
func (c *CredentialConfig) Validate() error {
	if c.WatcherIntervalSeconds <= 0 {
		return fmt.Errorf("CRED_WATCHER_INTERVAL_SECS must be positive")
	}
	if c.RefreshLookaheadSeconds < 0 {
		return fmt.Errorf("CRED_REFRESH_LOOKAHEAD_SECS must not be negative")
	}
	if c.MaxRefreshAttempts < 1 {
		return fmt.Errorf("CRED_MAX_REFRESH_ATTEMPTS must be at least 1")
	}
	if c.RefreshTimeoutSeconds <= 0 {
		return fmt.Errorf("CRED_REFRESH_TIMEOUT_SECS must be positive")
	}
	if c.CacheMaxEntries < 1 {
		return fmt.Errorf("CRED_CACHE_MAX_ENTRIES must be at least 1")
	}
	return nil
}
