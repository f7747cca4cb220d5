package auth

import (
	"errors"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"kasirinaja/terminal/internal/domain"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestSignedTokenRoundTrip(t *testing.T) {
	v := NewVerifier(secret)
	user := domain.User{ID: "u-1", Username: "kasir1", Role: domain.RoleCashier, AssignedStoreID: "main-store"}

	token, err := v.Sign(user, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, err := v.Parse("Bearer " + token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != user {
		t.Fatalf("expected %+v, got %+v", user, got)
	}
}

func TestParseRejectsExpiredAndForeignTokens(t *testing.T) {
	v := NewVerifier(secret)
	expired, err := v.Sign(domain.User{ID: "u-1", Role: domain.RoleAdmin}, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign expired: %v", err)
	}
	if _, err := v.Parse(expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}

	other, err := NewVerifier("another-secret-another-secret-xx").Sign(domain.User{ID: "u-1"}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign foreign: %v", err)
	}
	if _, err := v.Parse(other); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign token, got %v", err)
	}

	if _, err := v.Parse(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestParseWithoutSecretReadsClaims(t *testing.T) {
	claims := posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "u-9",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: "superuser",
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("server-side"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	v := NewVerifier("")
	user, err := v.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if user.ID != "u-9" || user.Username != "u-9" {
		t.Fatalf("expected subject as id and username, got %+v", user)
	}
	if user.Role != domain.RoleCashier {
		t.Fatalf("expected unknown role to fall back to cashier, got %q", user.Role)
	}

	if _, err := v.Sign(user, time.Now().Add(time.Hour)); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}

func TestPINChecker(t *testing.T) {
	hash, err := HashPIN("482915")
	if err != nil {
		t.Fatalf("hash pin: %v", err)
	}
	if !IsPINHash(hash) {
		t.Fatalf("expected bcrypt hash, got %q", hash)
	}

	checker := NewPINChecker(hash)
	if !checker.Enabled() {
		t.Fatal("expected checker with hash to be enabled")
	}
	if !checker.Check("482915") {
		t.Fatal("expected matching pin to pass")
	}
	if checker.Check("482916") || checker.Check("") {
		t.Fatal("expected wrong or empty pin to fail")
	}

	disabled := NewPINChecker("")
	if disabled.Enabled() || disabled.Check("482915") {
		t.Fatal("expected checker without hash to be disabled")
	}
}

func TestValidatePINStrength(t *testing.T) {
	for _, pin := range []string{"12345", "123456", "987654", "777777", "12a456", "112233"} {
		if err := ValidatePINStrength(pin); !errors.Is(err, ErrWeakPIN) {
			t.Fatalf("expected %q to be rejected, got %v", pin, err)
		}
	}
	if err := ValidatePINStrength("482915"); err != nil {
		t.Fatalf("expected strong pin to pass, got %v", err)
	}
}
