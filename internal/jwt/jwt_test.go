package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/internal/config"
)

const (
	testIssuer   = "https://issuer.example.com/"
	testAudience = "mcpgate-admin"
)

type signingKey struct {
	key  *rsa.PrivateKey
	jwks string
}

func newSigningKey(t *testing.T) signingKey {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	public := jose.JSONWebKey{
		Key:       key.Public(),
		KeyID:     "test-kid",
		Algorithm: "RS256",
		Use:       "sig",
	}
	jwks, err := json.Marshal(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{public}})
	require.NoError(t, err)

	return signingKey{key: key, jwks: string(jwks)}
}

func (k signingKey) sign(t *testing.T, claims josejwt.Claims) string {
	t.Helper()

	signer, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: jose.RS256,
			Key:       jose.JSONWebKey{Key: k.key, KeyID: "test-kid"},
		},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)

	token, err := josejwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)
	return token
}

func validClaims() josejwt.Claims {
	now := time.Now()
	return josejwt.Claims{
		Issuer:   testIssuer,
		Subject:  "operator@example.com",
		Audience: josejwt.Audience{testAudience},
		IssuedAt: josejwt.NewNumericDate(now),
		Expiry:   josejwt.NewNumericDate(now.Add(time.Hour)),
	}
}

func newTestMiddleware(t *testing.T, key signingKey) func(http.Handler) http.Handler {
	t.Helper()

	mw, err := Middleware(config.AuthorizationConfig{
		Audience:            testAudience,
		IssuerURL:           testIssuer,
		ConfigurationStatic: key.jwks,
	})
	require.NoError(t, err)
	return mw
}

func doRequest(mw func(http.Handler) http.Handler, token string) (*httptest.ResponseRecorder, *http.Request) {
	var sawRequest *http.Request
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRequest = r
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	mw(inner).ServeHTTP(rec, req)
	return rec, sawRequest
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	key := newSigningKey(t)
	mw := newTestMiddleware(t, key)

	rec, handled := doRequest(mw, key.sign(t, validClaims()))
	require.Equal(t, http.StatusOK, rec.Code)

	claims := ClaimsFromContext(handled.Context())
	require.NotNil(t, claims)
	assert.Equal(t, "operator@example.com", claims.RegisteredClaims.Subject)
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	mw := newTestMiddleware(t, newSigningKey(t))

	rec, handled := doRequest(mw, "")
	assert.Nil(t, handled, "the handler must not run")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMiddlewareRejectsExpiredToken(t *testing.T) {
	key := newSigningKey(t)
	mw := newTestMiddleware(t, key)

	claims := validClaims()
	claims.Expiry = josejwt.NewNumericDate(time.Now().Add(-time.Hour))

	rec, handled := doRequest(mw, key.sign(t, claims))
	assert.Nil(t, handled)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareRejectsWrongAudience(t *testing.T) {
	key := newSigningKey(t)
	mw := newTestMiddleware(t, key)

	claims := validClaims()
	claims.Audience = josejwt.Audience{"someone-else"}

	rec, _ := doRequest(mw, key.sign(t, claims))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareRejectsForeignKey(t *testing.T) {
	key := newSigningKey(t)
	other := newSigningKey(t)
	mw := newTestMiddleware(t, key)

	rec, _ := doRequest(mw, other.sign(t, validClaims()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareRejectsInvalidStaticJWKS(t *testing.T) {
	_, err := Middleware(config.AuthorizationConfig{
		Audience:            testAudience,
		IssuerURL:           testIssuer,
		ConfigurationStatic: "{not json",
	})
	assert.Error(t, err)
}
