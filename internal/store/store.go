// Package store persists instance records: ownership, lifecycle status and
// credential material. Refresh tokens are encrypted at rest when a cipher
// is configured. The cache layer treats this store as the source of truth;
// losing the cache loses performance, never correctness.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Lookup when no instance exists for the ID.
var ErrNotFound = errors.New("instance not found")

// Instance is the durable record of a user's provisioned connection to a
// third-party service.
type Instance struct {
	ID      string
	UserID  string
	Service string

	// AuthKind is "api_key" or "oauth".
	AuthKind string

	APIKey       string
	AccessToken  string
	RefreshToken string

	// TokenExpiresAt is the access-token expiry; zero means non-expiring.
	TokenExpiresAt time.Time

	// ExpiresAt is the instance-level expiry; zero means none.
	ExpiresAt time.Time

	// Status is "active", "inactive" or "expired".
	Status string

	// ServiceActive is false when the whole service is disabled.
	ServiceActive bool

	// ReauthRequired is set when the refresh token has been rejected and
	// the user must restart the OAuth flow.
	ReauthRequired bool

	CreatedAt  time.Time
	LastUsedAt time.Time
	UseCount   int64
}

// TokenUpdate carries the result of a refresh exchange into the store.
type TokenUpdate struct {
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
}

// Cipher guards refresh tokens at rest. The associated-data parameter binds
// a ciphertext to its instance so values cannot be swapped between rows.
type Cipher interface {
	EncryptString(plaintext, associatedData string) (string, error)
	DecryptString(value, associatedData string) (string, error)
}
