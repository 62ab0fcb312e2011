package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/noah-isme/carvalue-api/pkg/errors"
)

// Revocation namespaces under the per-user key.
const (
	RevocationKindVersion = "version"
	RevocationKindSession = "session"
	RevocationKindRefresh = "refresh"
)

type revocationStore interface {
	Mark(ctx context.Context, key string, ttl time.Duration) error
	FirstRevoked(ctx context.Context, keys ...string) (int, error)
}

// RevocationConfig controls key layout and retention of the revocation index.
type RevocationConfig struct {
	KeyPrefix string
	// TTL must be at least the access token lifetime.
	TTL time.Duration
}

// RevocationService is the denylist consulted for every authenticated request.
// Keys look like "<prefix><userID>:<kind>:<discriminator>".
type RevocationService struct {
	store   revocationStore
	cfg     RevocationConfig
	metrics *MetricsService
	logger  *zap.Logger
}

// NewRevocationService constructs the revocation index.
func NewRevocationService(store revocationStore, cfg RevocationConfig, metrics *MetricsService, logger *zap.Logger) *RevocationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "user:"
	}
	return &RevocationService{store: store, cfg: cfg, metrics: metrics, logger: logger}
}

func (s *RevocationService) key(userID int64, kind, discriminator string) string {
	return fmt.Sprintf("%s%d:%s:%s", s.cfg.KeyPrefix, userID, kind, discriminator)
}

// IsRevoked reports whether the token version, session or refresh token id is denylisted.
// An unreachable store yields an Unavailable error, never false.
func (s *RevocationService) IsRevoked(ctx context.Context, userID int64, refreshTokenID, familyID string, tokenVersion int64) (bool, error) {
	keys := []string{
		s.key(userID, RevocationKindVersion, strconv.FormatInt(tokenVersion, 10)),
		s.key(userID, RevocationKindSession, familyID),
		s.key(userID, RevocationKindRefresh, refreshTokenID),
	}
	start := time.Now()
	idx, err := s.store.FirstRevoked(ctx, keys...)
	revoked := idx >= 0
	s.metrics.ObserveRevocationLookup(revoked, err, time.Since(start))
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "revocation index unavailable")
	}
	return revoked, nil
}

// MarkTokenVersionRevoked invalidates every access token carrying tokenVersion.
func (s *RevocationService) MarkTokenVersionRevoked(ctx context.Context, userID, tokenVersion int64) error {
	return s.mark(ctx, userID, RevocationKindVersion, strconv.FormatInt(tokenVersion, 10))
}

// MarkSessionRevoked invalidates every access token bound to familyID.
func (s *RevocationService) MarkSessionRevoked(ctx context.Context, userID int64, familyID string) error {
	return s.mark(ctx, userID, RevocationKindSession, familyID)
}

// MarkRefreshTokenRevoked invalidates access tokens issued alongside one refresh token.
func (s *RevocationService) MarkRefreshTokenRevoked(ctx context.Context, userID, refreshTokenID int64) error {
	return s.mark(ctx, userID, RevocationKindRefresh, strconv.FormatInt(refreshTokenID, 10))
}

func (s *RevocationService) mark(ctx context.Context, userID int64, kind, discriminator string) error {
	if err := s.store.Mark(ctx, s.key(userID, kind, discriminator), s.cfg.TTL); err != nil {
		s.logger.Error("revocation write failed", zap.Int64("user_id", userID), zap.String("kind", kind), zap.Error(err))
		return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "revocation index unavailable")
	}
	s.metrics.RecordRevocationWrite(kind)
	return nil
}
