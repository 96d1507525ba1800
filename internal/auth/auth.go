// Package auth verifies the tokens presented by attach clients and /api
// callers. A token is accepted when it equals the shared secret, or, when a
// JWT secret is configured, when it is a valid HS256 JWT within the TTL cap.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for any token that fails verification.
var ErrUnauthorized = errors.New("unauthorized")

// Verifier checks presented tokens.
type Verifier struct {
	// Token is the static shared secret. Empty disables static-token auth.
	Token string
	// JWTSecret enables HS256 JWT verification when non-empty.
	JWTSecret string
	// MaxTTL bounds exp-iat for JWTs. Zero means no bound.
	MaxTTL time.Duration
}

// Verify returns nil when the presented token is acceptable.
func (v *Verifier) Verify(presented string) error {
	if presented == "" {
		return ErrUnauthorized
	}
	if v.Token != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(v.Token)) == 1 {
		return nil
	}
	if v.JWTSecret != "" {
		if err := v.verifyJWT(presented); err == nil {
			return nil
		}
	}
	return ErrUnauthorized
}

func (v *Verifier) verifyJWT(tokenString string) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	)

	claims := &jwt.RegisteredClaims{}
	_, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return []byte(v.JWTSecret), nil
	})
	if err != nil {
		return fmt.Errorf("verify jwt: %w", err)
	}

	if v.MaxTTL > 0 {
		iat, err := claims.GetIssuedAt()
		if err != nil || iat == nil {
			return errors.New("missing iat claim")
		}
		exp, err := claims.GetExpirationTime()
		if err != nil || exp == nil {
			return errors.New("missing exp claim")
		}
		if exp.Sub(iat.Time) > v.MaxTTL {
			return fmt.Errorf("token TTL %s exceeds max %s", exp.Sub(iat.Time), v.MaxTTL)
		}
	}
	return nil
}
