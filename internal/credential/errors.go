package credential

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the authentication outcomes a request can observe.
// The middleware maps each to exactly one HTTP status and a stable error
// code, so clients can distinguish "malformed request", "no such instance"
// and "re-authentication required" without parsing prose.
var (
	// ErrMalformedID is returned before any store or network access when the
	// instance identifier is not a v4 UUID.
	ErrMalformedID = errors.New("malformed instance identifier")

	// ErrInstanceNotFound indicates the store has no record of the instance.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceInactive indicates the instance or its service is disabled.
	ErrInstanceInactive = errors.New("instance inactive")

	// ErrInstanceExpired indicates the instance itself (not its token) has
	// passed its expiry.
	ErrInstanceExpired = errors.New("instance expired")

	// ErrReauthRequired is terminal for the current refresh token: the client
	// must restart the OAuth flow. It is deliberately distinct from a
	// generic 401.
	ErrReauthRequired = errors.New("re-authentication required")

	// ErrInvalidGrant is the provider-level cause behind ErrReauthRequired:
	// the token endpoint explicitly rejected the refresh token. The OAuth
	// provider wraps its errors with this sentinel.
	ErrInvalidGrant = errors.New("refresh token rejected by provider")
)

// TransientError wraps a refresh failure classified as likely-temporary
// (network failure, timeout, provider 5xx). It is eligible for bounded
// retries on subsequent requests and does not flag the instance for
// re-authentication.
type TransientError struct {
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient refresh failure (attempt %d): %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Status() (int, string) {
	return http.StatusServiceUnavailable, "credential refresh temporarily unavailable"
}

// SystemError wraps unexpected internal faults (store unreachable, failed
// persistence) so operators can tell "the system is broken" apart from
// "your credentials are bad".
type SystemError struct {
	Op  string
	Err error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SystemError) Unwrap() error { return e.Err }

func (e *SystemError) Status() (int, string) {
	return http.StatusInternalServerError, "internal error"
}

// ErrorCode returns the stable machine-readable code for an authentication
// error. Unrecognised errors report as system errors.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrMalformedID):
		return "malformed_instance_id"
	case errors.Is(err, ErrInstanceNotFound):
		return "instance_not_found"
	case errors.Is(err, ErrInstanceInactive):
		return "instance_inactive"
	case errors.Is(err, ErrInstanceExpired):
		return "instance_expired"
	case errors.Is(err, ErrReauthRequired):
		return "reauth_required"
	default:
		var te *TransientError
		if errors.As(err, &te) {
			return "refresh_unavailable"
		}
		return "system_error"
	}
}

// HTTPStatus maps an authentication error to the response status the
// middleware writes. The mapping mirrors ErrorCode.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrMalformedID):
		return http.StatusBadRequest
	case errors.Is(err, ErrInstanceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInstanceInactive), errors.Is(err, ErrInstanceExpired):
		return http.StatusForbidden
	case errors.Is(err, ErrReauthRequired):
		return http.StatusUnauthorized
	default:
		var te *TransientError
		if errors.As(err, &te) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}
