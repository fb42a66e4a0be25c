package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ekehi.network/internal/access"
)

var testSecret = []byte(strings.Repeat("k", 32))

func newTestSigner(t *testing.T, now time.Time) *Signer {
	t.Helper()
	s, err := NewSigner(testSecret, WithIssuer("test-issuer"), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}

func TestIssueAndParse(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	s := newTestSigner(t, now)

	token, expiresAt, err := s.Issue("user-42", access.RoleAdmin, 30*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !expiresAt.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	claims, err := s.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "user-42" || claims.Issuer != "test-issuer" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	caller, err := claims.Caller()
	if err != nil {
		t.Fatalf("Caller: %v", err)
	}
	if caller.ID != "user-42" || caller.Role != access.RoleAdmin {
		t.Fatalf("unexpected caller: %+v", caller)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	now := time.Now().UTC()
	issuer := newTestSigner(t, now.Add(-2*time.Hour))
	token, _, err := issuer.Issue("user-1", access.RoleUser, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := newTestSigner(t, now).Parse(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsForeignIssuerAndKey(t *testing.T) {
	now := time.Now().UTC()
	other, err := NewSigner(testSecret, WithIssuer("someone-else"), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	token, _, err := other.Issue("user-1", access.RoleUser, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := newTestSigner(t, now).Parse(token); err != ErrInvalidToken {
		t.Fatalf("foreign issuer accepted: %v", err)
	}

	rekeyed, err := NewSigner([]byte(strings.Repeat("z", 32)), WithIssuer("test-issuer"), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	token, _, _ = rekeyed.Issue("user-1", access.RoleUser, time.Hour)
	if _, err := newTestSigner(t, now).Parse(token); err != ErrInvalidToken {
		t.Fatalf("foreign key accepted: %v", err)
	}
}

func TestParseRejectsUnknownRole(t *testing.T) {
	now := time.Now().UTC()
	claims := Claims{
		Role: "overlord",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "test-issuer",
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := newTestSigner(t, now).Parse(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNewSignerRejectsWeakSecret(t *testing.T) {
	if _, err := NewSigner([]byte("short")); err != ErrWeakSecret {
		t.Fatalf("expected ErrWeakSecret, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  xyz ": "xyz",
		"Basic abc":    "",
		"Bearer ":      "",
		"":             "",
	}
	for in, want := range cases {
		got, ok := BearerToken(in)
		if got != want || ok != (want != "") {
			t.Fatalf("BearerToken(%q) = %q, %v", in, got, ok)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithCaller(context.Background(), access.Caller{ID: "u1", Role: access.RoleModerator})
	caller, ok := CallerFromContext(ctx)
	if !ok || caller.ID != "u1" || caller.Role != access.RoleModerator {
		t.Fatalf("caller round trip failed: %+v %v", caller, ok)
	}
	if _, ok := CallerFromContext(context.Background()); ok {
		t.Fatal("expected no caller")
	}
	ctx = ContextWithSession(ctx, "sid")
	if id, ok := SessionFromContext(ctx); !ok || id != "sid" {
		t.Fatalf("session round trip failed: %q %v", id, ok)
	}
}
