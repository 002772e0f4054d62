package authtoken

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSignAndParse(t *testing.T) {
	s, err := NewSigner("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	token, exp, err := s.SignAccessToken("u-42", "alice", time.Hour)
	if err != nil {
		t.Fatalf("SignAccessToken error: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expiry %v is in the past", exp)
	}
	claims, err := s.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken error: %v", err)
	}
	if claims.UserID != "u-42" || claims.Username != "alice" || claims.Type != TypeAccess {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestParseRejectsBadTokens(t *testing.T) {
	s, _ := NewSigner("test-secret")
	other, _ := NewSigner("other-secret")

	expired, _, _ := s.SignAccessToken("u", "n", -time.Minute)
	if _, err := s.ParseToken(expired); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expired token error = %v", err)
	}
	foreign, _, _ := other.SignAccessToken("u", "n", time.Minute)
	if _, err := s.ParseToken(foreign); !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		t.Fatalf("foreign token error = %v", err)
	}
	if _, err := s.ParseToken("not-a-token"); err == nil {
		t.Fatal("garbage token accepted")
	}
}

func TestNewSignerRequiresSecret(t *testing.T) {
	if _, err := NewSigner(""); err == nil {
		t.Fatal("empty secret accepted")
	}
}

func TestPeekClaims(t *testing.T) {
	s, _ := NewSigner("peek-secret")
	token, _, _ := s.SignAccessToken("u7", "grace", time.Minute)
	claims, err := PeekClaims(token)
	if err != nil || claims.UserID != "u7" || claims.Username != "grace" || claims.Type != TypeAccess {
		t.Fatalf("PeekClaims = %+v, %v", claims, err)
	}
	if _, err := PeekClaims("x.y"); err == nil {
		t.Fatal("malformed token accepted")
	}
}
