// ABOUTME: Bearer credential validation for outbound requests
// ABOUTME: Inspects JWT-shaped tokens for expiry without verifying signatures

package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential errors. Both are precondition failures: callers must not open
// a stream when Token returns one of them.
var (
	ErrMissingCredential = errors.New("no credential available")
	ErrExpiredCredential = errors.New("credential expired")
)

// Expiry returns the exp claim of a JWT-shaped token. The signature is not
// checked; the server does that. ok is false for opaque tokens or tokens
// without an exp claim.
func Expiry(token string) (exp time.Time, ok bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}

	numeric, err := claims.GetExpirationTime()
	if err != nil || numeric == nil {
		return time.Time{}, false
	}
	return numeric.Time, true
}

// checkToken trims a raw token and rejects empty or expired values.
func checkToken(raw string, now time.Time) (string, error) {
	token := strings.TrimSpace(raw)
	if token == "" {
		return "", ErrMissingCredential
	}
	if exp, ok := Expiry(token); ok && !now.Before(exp) {
		return "", ErrExpiredCredential
	}
	return token, nil
}
