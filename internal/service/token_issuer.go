package service

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/carvalue-api/internal/models"
	appErrors "github.com/noah-isme/carvalue-api/pkg/errors"
	"github.com/noah-isme/carvalue-api/pkg/keys"
)

// TokenIssuerConfig defines access token claims and lifetime.
type TokenIssuerConfig struct {
	Issuer   string
	Audience string
	TTL      time.Duration
	Clock    Clock
}

// TokenIssuer signs and parses HS256 access tokens. The signing key id travels in the kid header.
type TokenIssuer struct {
	keys *keys.Registry
	cfg  TokenIssuerConfig
}

// NewTokenIssuer fails when key material or claim settings are missing.
func NewTokenIssuer(registry *keys.Registry, cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if registry == nil {
		return nil, fmt.Errorf("jwt key registry is required")
	}
	if _, err := registry.Current(); err != nil {
		return nil, fmt.Errorf("jwt signing key: %w", err)
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, fmt.Errorf("jwt issuer and audience are required")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("jwt ttl must be positive")
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock
	}
	return &TokenIssuer{keys: registry, cfg: cfg}, nil
}

// TTL returns the access token lifetime.
func (i *TokenIssuer) TTL() time.Duration {
	return i.cfg.TTL
}

// Issue signs an access token bound to the session familyID and refresh token id.
func (i *TokenIssuer) Issue(user *models.User, familyID string, refreshTokenID int64) (string, *models.JWTClaims, error) {
	key, err := i.keys.Current()
	if err != nil {
		return "", nil, err
	}
	now := i.cfg.Clock()
	info := user.Info()
	claims := &models.JWTClaims{
		Email:          user.Email,
		Roles:          info.Roles,
		Type:           models.AccessTokenType,
		SessionID:      familyID,
		RefreshTokenID: strconv.FormatInt(refreshTokenID, 10),
		TokenVersion:   user.TokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			Issuer:    i.cfg.Issuer,
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.TTL)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = key.ID
	signed, err := token.SignedString(key.Secret)
	if err != nil {
		return "", nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign access token")
	}
	return signed, claims, nil
}

// Parse verifies signature, issuer, audience and expiry, and requires type "access".
func (i *TokenIssuer) Parse(tokenString string) (*models.JWTClaims, error) {
	claims := &models.JWTClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, i.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithAudience(i.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.cfg.Clock),
	)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid access token")
	}
	if claims.Type != models.AccessTokenType {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "unexpected token type")
	}
	return claims, nil
}

func (i *TokenIssuer) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("missing kid header")
	}
	key, err := i.keys.Lookup(kid)
	if err != nil {
		return nil, err
	}
	return key.Secret, nil
}
