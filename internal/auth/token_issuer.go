package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute
)

var (
	errMissingSigningKey   = errors.New("signing key must be provided")
	errMissingSubjectClaim = errors.New("subject claim must be provided")
	errMissingSharedSecret = errors.New("shared secret must be provided")
	ErrInvalidSharedSecret = errors.New("auth: shared secret mismatch")
	ErrInvalidSessionToken = errors.New("auth: invalid session token")
)

// TokenIssuerConfig configures the provisioning JWT issuer.
type TokenIssuerConfig struct {
	// SharedSecret is the long-lived secret provisioning clients exchange
	// for short-lived session tokens.
	SharedSecret []byte
	SigningKey   []byte
	Issuer       string
	Audience     string
	TokenTTL     time.Duration
	Clock        func() time.Time
}

// TokenIssuer exchanges the provisioning shared secret for short-lived HS256
// session tokens and validates them on subsequent requests.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SharedSecret: cfg.SharedSecret,
			SigningKey:   cfg.SigningKey,
			Issuer:       cfg.Issuer,
			Audience:     cfg.Audience,
			TokenTTL:     ttl,
			Clock:        clock,
		},
		clock: clock,
	}
}

// Login verifies the presented shared secret and issues a session token for
// the named provisioning client, returning the token and its expiry in
// seconds.
func (i *TokenIssuer) Login(ctx context.Context, sharedSecret, clientName string) (string, int64, error) {
	if len(i.config.SharedSecret) == 0 {
		return "", 0, errMissingSharedSecret
	}
	if subtle.ConstantTimeCompare([]byte(sharedSecret), i.config.SharedSecret) != 1 {
		return "", 0, ErrInvalidSharedSecret
	}
	return i.issueSessionToken(ctx, clientName)
}

func (i *TokenIssuer) issueSessionToken(_ context.Context, subject string) (string, int64, error) {
	if len(i.config.SigningKey) == 0 {
		return "", 0, errMissingSigningKey
	}
	if subject == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.config.Issuer,
		Audience:  []string{i.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.config.SigningKey)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the session token is well formed and returns the
// provisioning client name it was issued to.
func (i *TokenIssuer) ValidateToken(tokenString string) (string, error) {
	if len(i.config.SigningKey) == 0 {
		return "", errMissingSigningKey
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningKey, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}
