package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestVerify(t *testing.T) {
	v := NewVerifier(testSecret)
	token := signToken(t, testSecret, jwt.MapClaims{"sub": "u1", "admin": true})
	caller, err := v.Verify("Bearer " + token)
	if err != nil {
		t.Fatal(err)
	}
	if caller.Subject != "u1" || !caller.Admin {
		t.Errorf("unexpected caller: %+v", caller)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier(testSecret)
	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"malformed", "Bearer"},
		{"wrong secret", "Bearer " + signToken(t, []byte("other"), jwt.MapClaims{"sub": "u1"})},
		{"expired", "Bearer " + signToken(t, testSecret, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix()})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.header); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestIsPrivileged(t *testing.T) {
	v := NewVerifier(testSecret)
	admin := signToken(t, testSecret, jwt.MapClaims{"sub": "u1", "admin": true})
	plain := signToken(t, testSecret, jwt.MapClaims{"sub": "u2"})
	if !v.IsPrivileged("Bearer " + admin) {
		t.Error("admin token must be privileged")
	}
	if v.IsPrivileged("Bearer " + plain) {
		t.Error("plain token must not be privileged")
	}
	if NewVerifier(nil).IsPrivileged("Bearer " + admin) {
		t.Error("verifier without secret must reject everything")
	}
}
