// ABOUTME: Bearer token minting and verification for service-to-service callers
// ABOUTME: HS256 JWTs carrying the caller identity as sub, issued by this gateway

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is stamped into every minted token and required on verification, so
// tokens minted for other services against the same secret are rejected.
const Issuer = "relay-gateway"

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenVerifier resolves a bearer token to the caller it authenticates.
type TokenVerifier interface {
	Verify(tokenString string) (*Caller, error)
}

// JWTVerifier mints and verifies HS256-signed JWTs for backend services
// calling the gateway API.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier keyed by the shared signing secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates signature, expiry, and issuer, and returns the caller
// named by the token's subject.
func (v *JWTVerifier) Verify(tokenString string) (*Caller, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(token *jwt.Token) (interface{}, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return &Caller{Subject: claims.Subject, Scheme: SchemeBearer}, nil
}

// Generate mints a token naming the subject, valid for expiresIn.
func (v *JWTVerifier) Generate(subject string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
