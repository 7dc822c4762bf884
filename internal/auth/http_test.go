// ABOUTME: Tests for the API auth middleware
// ABOUTME: Covers shared-secret and bearer-JWT paths plus rejection cases

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func protectedHandler(t *testing.T, captured **Caller) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_SharedSecret(t *testing.T) {
	var caller *Caller
	handler := Middleware("hunter2", nil)(protectedHandler(t, &caller))

	req := httptest.NewRequest(http.MethodGet, "/api/send", nil)
	req.Header.Set("X-Gateway-Secret", "hunter2")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, caller)
	assert.Equal(t, "gateway", caller.Subject)
	assert.Equal(t, "secret", caller.Scheme)
}

func TestMiddleware_WrongSecret(t *testing.T) {
	var caller *Caller
	handler := Middleware("hunter2", nil)(protectedHandler(t, &caller))

	req := httptest.NewRequest(http.MethodGet, "/api/send", nil)
	req.Header.Set("X-Gateway-Secret", "wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, caller)
}

func TestMiddleware_BearerToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte("signing-key"))
	token, err := verifier.Generate("backend-1", time.Minute)
	require.NoError(t, err)

	var caller *Caller
	handler := Middleware("hunter2", verifier)(protectedHandler(t, &caller))

	req := httptest.NewRequest(http.MethodGet, "/api/send", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, caller)
	assert.Equal(t, "backend-1", caller.Subject)
	assert.Equal(t, "bearer", caller.Scheme)
}

func TestMiddleware_ExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte("signing-key"))
	token, err := verifier.Generate("backend-1", -time.Minute)
	require.NoError(t, err)

	var caller *Caller
	handler := Middleware("hunter2", verifier)(protectedHandler(t, &caller))

	req := httptest.NewRequest(http.MethodGet, "/api/send", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_NoCredentials(t *testing.T) {
	var caller *Caller
	handler := Middleware("hunter2", NewJWTVerifier([]byte("k")))(protectedHandler(t, &caller))

	req := httptest.NewRequest(http.MethodGet, "/api/send", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_NoVerifierConfigured(t *testing.T) {
	var caller *Caller
	handler := Middleware("hunter2", nil)(protectedHandler(t, &caller))

	req := httptest.NewRequest(http.MethodGet, "/api/send", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifier_RoundTrip(t *testing.T) {
	verifier := NewJWTVerifier([]byte("signing-key"))
	token, err := verifier.Generate("svc", time.Minute)
	require.NoError(t, err)

	caller, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "svc", caller.Subject)
	assert.Equal(t, SchemeBearer, caller.Scheme)

	_, err = NewJWTVerifier([]byte("other-key")).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_RejectsForeignIssuer(t *testing.T) {
	secret := []byte("signing-key")

	// Same secret, different service: a valid signature is not enough.
	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "some-other-service",
		Subject:   "svc",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	signed, err := foreign.SignedString(secret)
	require.NoError(t, err)

	_, err = NewJWTVerifier(secret).Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_RejectsMissingSubject(t *testing.T) {
	secret := []byte("signing-key")

	anonymous := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    Issuer,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	signed, err := anonymous.SignedString(secret)
	require.NoError(t, err)

	_, err = NewJWTVerifier(secret).Verify(signed)
	assert.ErrorIs(t, err, ErrMissingClaim)
}
