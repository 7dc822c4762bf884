// ABOUTME: HTTP middleware guarding the gateway API
// ABOUTME: Accepts the shared gateway secret or a bearer JWT

package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware authenticates API requests. A request passes when it carries the
// shared secret in X-Gateway-Secret, or a valid bearer JWT when a verifier is
// configured. Either scheme alone is sufficient.
func Middleware(gatewaySecret string, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret := r.Header.Get("X-Gateway-Secret"); secret != "" && gatewaySecret != "" {
				if subtle.ConstantTimeCompare([]byte(secret), []byte(gatewaySecret)) == 1 {
					caller := &Caller{Subject: "gateway", Scheme: SchemeSecret}
					next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
					return
				}
				http.Error(w, `{"error":"invalid gateway secret"}`, http.StatusUnauthorized)
				return
			}

			if verifier == nil {
				http.Error(w, `{"error":"missing gateway secret"}`, http.StatusUnauthorized)
				return
			}

			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			caller, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
