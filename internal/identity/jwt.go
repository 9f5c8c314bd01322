package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the token payload.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 tokens carrying a user_id claim.
type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewSigner creates a signer. A zero ttl issues tokens valid for 24h.
func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Signer{key: []byte(secret), ttl: ttl, now: time.Now}
}

// WithClock returns a copy of the signer that reads time from now.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	cp := *s
	cp.now = now
	return &cp
}

// Issue creates a signed token for userID.
func (s *Signer) Issue(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("issue token: empty user id")
	}
	now := s.now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Parse verifies a token and returns its claims.
func (s *Signer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Verify maps a token to its user id. Matches wsgateway.VerifyFunc.
func (s *Signer) Verify(token string) (string, error) {
	claims, err := s.Parse(token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// Token is a Provider backed by a signed session token. It reports
// unauthenticated once the token expires or Logout is called.
//
// Thread-safety: safe for concurrent use.
type Token struct {
	signer *Signer
	raw    string
	claims *Claims

	mu        sync.RWMutex
	loggedOut bool
}

// NewToken verifies raw and returns a provider for its subject.
func NewToken(signer *Signer, raw string) (*Token, error) {
	claims, err := signer.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &Token{signer: signer, raw: raw, claims: claims}, nil
}

// ReadToken reads raw without checking its signature. A client uses it to
// learn its own user id from a token that only the gateway can verify.
func ReadToken(raw string) (*Token, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return &Token{signer: &Signer{now: time.Now}, raw: raw, claims: claims}, nil
}

// Raw returns the token string, for transports that authenticate with it.
func (t *Token) Raw() string { return t.raw }

func (t *Token) CurrentUserID() string { return t.claims.UserID }

func (t *Token) IsAuthenticated() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.loggedOut {
		return false
	}
	exp := t.claims.ExpiresAt
	return exp == nil || t.signer.now().Before(exp.Time)
}

// Logout ends the session.
func (t *Token) Logout() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loggedOut = true
}
