package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"courier/internal/models"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	issuer             = "courier"
)

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}
	c.secretBytes = []byte(c.Secret)

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// Service verifies bearer tokens and maps them to a stable user identity.
// Tokens are HS256 JWTs whose subject is the user ID.
type Service struct {
	Config
	// Revoked token IDs live until the longest possible token expiry.
	revoked geche.Geche[string, struct{}]
	now     func() time.Time
}

func NewService(ctx context.Context, config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		Config:  config,
		revoked: geche.NewMapTTLCache[string, struct{}](ctx, config.TokenExpiry, time.Minute),
		now:     time.Now,
	}, nil
}

// Verify returns the identity owning token.
func (s *Service) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: empty token", models.ErrAuthFailed)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.secretBytes, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrAuthFailed, err)
	}

	// Revocations are remembered for TokenExpiry, so longer-lived tokens
	// could outlive their revocation.
	if claims.IssuedAt == nil ||
		claims.ExpiresAt.Sub(claims.IssuedAt.Time) > s.TokenExpiry+jwt.TimePrecision {
		return "", fmt.Errorf("%w: token lifetime exceeds %s", models.ErrAuthFailed, s.TokenExpiry)
	}

	if _, err := s.revoked.Get(claims.ID); err == nil {
		return "", fmt.Errorf("%w: token revoked", models.ErrAuthFailed)
	}

	if !models.ValidID(claims.Subject) {
		return "", fmt.Errorf("%w: invalid subject", models.ErrAuthFailed)
	}

	return claims.Subject, nil
}

// Issue mints a token for userID. Token issuance normally belongs to the
// account service; this is used by the admin API and local tooling.
func (s *Service) Issue(userID string) (string, time.Time, error) {
	if !models.ValidID(userID) {
		return "", time.Time{}, fmt.Errorf("invalid user id %q", userID)
	}

	now := s.now()
	expiresAt := now.Add(s.TokenExpiry)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})

	signed, err := token.SignedString(s.secretBytes)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Revoke makes a previously issued token unusable and returns the user it
// was issued to.
func (s *Service) Revoke(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.secretBytes, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrAuthFailed, err)
	}
	s.revoked.Set(claims.ID, struct{}{})
	return claims.Subject, nil
}
