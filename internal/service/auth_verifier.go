package service

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/carvalue-api/internal/models"
	appErrors "github.com/noah-isme/carvalue-api/pkg/errors"
)

type accessTokenParser interface {
	Parse(tokenString string) (*models.JWTClaims, error)
}

type revocationChecker interface {
	IsRevoked(ctx context.Context, userID int64, refreshTokenID, familyID string, tokenVersion int64) (bool, error)
}

// AuthVerifier authenticates bearer tokens on every request.
type AuthVerifier struct {
	parser accessTokenParser
	index  revocationChecker
	logger *zap.Logger
}

// NewAuthVerifier constructs the verifier.
func NewAuthVerifier(parser accessTokenParser, index revocationChecker, logger *zap.Logger) *AuthVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthVerifier{parser: parser, index: index, logger: logger}
}

// VerifyRequest validates the token and rejects it when any of its revocation coordinates
// is denylisted. Index failures surface as Unavailable.
func (v *AuthVerifier) VerifyRequest(ctx context.Context, bearerToken string) (*models.CurrentUser, error) {
	token := strings.TrimSpace(bearerToken)
	if token == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "missing access token")
	}

	claims, err := v.parser.Parse(token)
	if err != nil {
		return nil, err
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID < 0 {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token subject")
	}
	if claims.SessionID == "" || claims.RefreshTokenID == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}

	revoked, err := v.index.IsRevoked(ctx, userID, claims.RefreshTokenID, claims.SessionID, claims.TokenVersion)
	if err != nil {
		v.logger.Error("revocation lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		return nil, err
	}
	if revoked {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "token has been revoked")
	}

	return &models.CurrentUser{
		ID:             userID,
		Email:          claims.Email,
		Roles:          claims.Roles,
		SessionID:      claims.SessionID,
		RefreshTokenID: claims.RefreshTokenID,
		TokenVersion:   claims.TokenVersion,
	}, nil
}
