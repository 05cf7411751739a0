package backend

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL     = 30 * time.Minute
	tokenRefreshHeadway = time.Minute
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// TokenIssuerConfig configures the bearer tokens presented to the backend.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Subject       string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints and validates HS256 bearer tokens shared with the backend.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// NewTokenIssuer constructs a TokenIssuer with defaults applied.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg.TokenTTL = ttl
	cfg.Clock = clock
	return &TokenIssuer{config: cfg, clock: clock}, nil
}

// Issue signs a fresh token and returns it with its expiry.
func (i *TokenIssuer) Issue() (string, time.Time, error) {
	if i.config.Subject == "" {
		return "", time.Time{}, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL)
	registered := jwt.RegisteredClaims{
		Subject:   i.config.Subject,
		Issuer:    i.config.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	if i.config.Audience != "" {
		registered.Audience = []string{i.config.Audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// BearerToken returns a cached token, re-signing shortly before it expires.
func (i *TokenIssuer) BearerToken() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cached != "" && i.clock().Add(tokenRefreshHeadway).Before(i.expiresAt) {
		return i.cached, nil
	}
	signed, expiresAt, err := i.Issue()
	if err != nil {
		return "", err
	}
	i.cached = signed
	i.expiresAt = expiresAt
	return signed, nil
}

// ValidateToken checks a token signed with the shared secret and returns its subject.
func (i *TokenIssuer) ValidateToken(tokenString string) (string, error) {
	options := []jwt.ParserOption{jwt.WithTimeFunc(i.clock)}
	if i.config.Audience != "" {
		options = append(options, jwt.WithAudience(i.config.Audience))
	}
	if i.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(i.config.Issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		options...,
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}
