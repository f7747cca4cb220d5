package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/terminal/internal/domain"
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrNoSecret     = errors.New("token secret is not configured")
	ErrWeakPIN      = errors.New("PIN is too weak")
)

type posCustomClaims struct {
	jwtlib.RegisteredClaims
	Username string `json:"username"`
	Role     string `json:"role"`
	StoreID  string `json:"storeId,omitempty"`
}

// Verifier turns the remote API access token into the terminal's user.
// Without a secret the signature is left to the server and only the claims
// and expiry are read.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(strings.TrimSpace(secret)), now: time.Now}
}

func (v *Verifier) Verifies() bool {
	return len(v.secret) > 0
}

func (v *Verifier) Parse(tokenStr string) (domain.User, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))
	if tokenStr == "" {
		return domain.User{}, ErrInvalidToken
	}
	claims := &posCustomClaims{}
	if v.Verifies() {
		token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return v.secret, nil
		}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithTimeFunc(v.now))
		if err != nil || !token.Valid {
			return domain.User{}, ErrInvalidToken
		}
	} else {
		if _, _, err := jwtlib.NewParser().ParseUnverified(tokenStr, claims); err != nil {
			return domain.User{}, ErrInvalidToken
		}
		if claims.ExpiresAt != nil && !v.now().Before(claims.ExpiresAt.Time) {
			return domain.User{}, ErrInvalidToken
		}
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.User{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	username := claims.Username
	if username == "" {
		username = sub
	}
	role := domain.Role(strings.ToLower(claims.Role))
	switch role {
	case domain.RoleAdmin, domain.RoleManager, domain.RoleCashier:
	default:
		role = domain.RoleCashier
	}
	return domain.User{
		ID:              sub,
		Username:        username,
		Role:            role,
		AssignedStoreID: claims.StoreID,
	}, nil
}

func (v *Verifier) Sign(user domain.User, expiresAt time.Time) (string, error) {
	if !v.Verifies() {
		return "", ErrNoSecret
	}
	claims := posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwtlib.NewNumericDate(v.now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "kasirinaja",
		},
		Username: user.Username,
		Role:     string(user.Role),
		StoreID:  user.AssignedStoreID,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// PINChecker approves manager-only actions. It is disabled when no hash
// is configured.
type PINChecker struct {
	hash string
}

func NewPINChecker(hash string) *PINChecker {
	return &PINChecker{hash: strings.TrimSpace(hash)}
}

func (p *PINChecker) Enabled() bool {
	return isPasswordHash(p.hash)
}

func (p *PINChecker) Check(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" || !p.Enabled() {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(p.hash), []byte(input)) == nil
}

// HashPIN returns the bcrypt hash to configure for pin.
func HashPIN(pin string) (string, error) {
	if err := ValidatePINStrength(pin); err != nil {
		return "", err
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func IsPINHash(value string) bool {
	return isPasswordHash(strings.TrimSpace(value))
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}

// ValidatePINStrength rejects PINs shorter than six digits, PINs that are
// all the same digit, sequential, or from a known-weak list.
func ValidatePINStrength(pin string) error {
	if len(pin) < 6 {
		return fmt.Errorf("%w: at least 6 digits required", ErrWeakPIN)
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: digits only", ErrWeakPIN)
		}
	}
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("%w: common PIN not allowed", ErrWeakPIN)
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("%w: all-same-digit PIN not allowed", ErrWeakPIN)
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("%w: sequential PIN not allowed", ErrWeakPIN)
	}
	return nil
}
