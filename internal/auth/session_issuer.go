package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionTTL = time.Hour
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingThreadClaim   = errors.New("thread claim must be provided")
	errMissingPairClaim     = errors.New("pair code claim must be provided")
)

// SessionClaims extends the registered claim set with the pair code the
// session was minted from. Validation re-checks that code against the current
// device record, so a re-registration invalidates outstanding sessions.
type SessionClaims struct {
	PairCode string `json:"pair_code"`
	jwt.RegisteredClaims
}

// SessionIssuerConfig configures the web session token issuer.
type SessionIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	SessionTTL    time.Duration
	Clock         func() time.Time
}

// SessionIssuer issues HS256 session tokens after a pair code authenticates.
type SessionIssuer struct {
	config SessionIssuerConfig
	clock  func() time.Time
}

// NewSessionIssuer constructs a SessionIssuer with sane defaults.
func NewSessionIssuer(cfg SessionIssuerConfig) *SessionIssuer {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionIssuer{
		config: SessionIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			SessionTTL:    ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// IssueSessionToken produces a signed session token and its expiry (seconds)
// for a web client that presented a valid pair code.
func (i *SessionIssuer) IssueSessionToken(_ context.Context, threadID, pairCode string) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if threadID == "" {
		return "", 0, errMissingThreadClaim
	}
	if pairCode == "" {
		return "", 0, errMissingPairClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.SessionTTL).UTC()

	claims := SessionClaims{
		PairCode: pairCode,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   threadID,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateSessionToken ensures the session token is well formed and returns
// the thread identifier and the pair code it was minted from.
func (i *SessionIssuer) ValidateSessionToken(tokenString string) (string, string, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", "", errMissingSigningSecret
	}

	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", "", err
	}
	if claims.Subject == "" {
		return "", "", errMissingThreadClaim
	}
	if claims.PairCode == "" {
		return "", "", errMissingPairClaim
	}
	return claims.Subject, claims.PairCode, nil
}
