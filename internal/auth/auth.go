// Package auth validates the bearer tokens of API callers. Only HMAC signed
// tokens are accepted; the admin claim marks privileged callers.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errInvalidAuthHdr = errors.New("invalid authorization header format")
	errInvalidToken   = errors.New("invalid or expired token")
	errInvalidClaims  = errors.New("invalid token claims")
)

// Caller is the authenticated identity extracted from a token.
type Caller struct {
	Subject string
	Admin   bool
}

// Verifier checks bearer tokens against a shared HMAC secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier. An empty secret disables authentication
// and Verify always fails.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify parses an Authorization header value and returns the caller.
func (v *Verifier) Verify(authHeader string) (*Caller, error) {
	if len(v.secret) == 0 {
		return nil, errInvalidToken
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, errInvalidAuthHdr
	}
	token, err := jwt.Parse(parts[1], func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errInvalidClaims
	}
	caller := &Caller{}
	if sub, ok := claims["sub"].(string); ok {
		caller.Subject = sub
	}
	if admin, ok := claims["admin"].(bool); ok {
		caller.Admin = admin
	}
	return caller, nil
}

// IsPrivileged reports whether the header carries a valid admin token.
func (v *Verifier) IsPrivileged(authHeader string) bool {
	caller, err := v.Verify(authHeader)
	return err == nil && caller.Admin
}
