// Package credential implements the in-memory credential cache, the
// background watcher that maintains it, and the resolver that turns an
// instance ID into a usable vendor credential. The cache is process-owned
// state: all mutation goes through its operation set, and entries handed out
// are copies.
package credential

import (
	"time"
)

// Kind discriminates the closed set of credential shapes. There is no
// duck-typing of credential records: an instance is either bound to a static
// API key or to an OAuth token pair.
type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindOAuth  Kind = "oauth"
)

// Status mirrors the instance lifecycle state held by the store. It is kept
// in sync by explicit UpdateMetadata calls, not by polling.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusExpired  Status = "expired"
)

// Credential is the secret material cached for an instance. Token holds the
// bearer token or API key sent to the vendor. A zero ExpiresAt means the
// credential does not expire by time.
type Credential struct {
	Kind         Kind
	Token        string
	RefreshToken string
	ExpiresAt    time.Time
}

// Expired reports whether the credential's bearer token must be treated as
// invalid at the given time. Non-expiring credentials never expire.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !c.ExpiresAt.After(now)
}

// ExpiresWithin reports whether the credential expires inside the window
// starting at now. Non-expiring credentials never do.
func (c Credential) ExpiresWithin(now time.Time, window time.Duration) bool {
	return !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now.Add(window))
}

// Usable reports whether the bearer token can be presented to a vendor right
// now. An entry can be cached without a usable token (for example, only a
// refresh token is known); such entries still prove the instance exists.
func (c Credential) Usable(now time.Time) bool {
	return c.Token != "" && !c.Expired(now)
}

// Entry is one cache record, keyed by instance ID. Timestamps are
// bookkeeping for staleness decisions and the stats peek.
type Entry struct {
	InstanceID string
	UserID     string
	Service    string

	Credential Credential
	Status     Status

	// RefreshAttempts counts consecutive failed refreshes since the last
	// success. Reset to zero by Set and by ResetRefreshAttempts; never
	// decremented otherwise.
	RefreshAttempts int

	CachedAt     time.Time
	LastUsed     time.Time
	LastModified time.Time
}

// Resolved is the read-only snapshot handed to request handlers after
// authentication. It deliberately excludes the refresh token and all cache
// bookkeeping: downstream code sees only what it needs to call the vendor.
type Resolved struct {
	InstanceID string
	UserID     string
	Service    string
	Kind       Kind
	Token      string
	ExpiresAt  time.Time
}

// RefreshedToken is the outcome of a successful refresh-token exchange.
type RefreshedToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}
