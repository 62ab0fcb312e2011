package service

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/carvalue-api/internal/models"
	"github.com/noah-isme/carvalue-api/internal/repository"
	appErrors "github.com/noah-isme/carvalue-api/pkg/errors"
	"github.com/noah-isme/carvalue-api/pkg/keys"
)

// Clock returns the current time.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

type refreshTokenRepository interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	FindByID(ctx context.Context, id int64) (*models.RefreshToken, error)
	Replace(ctx context.Context, id, newID int64, at time.Time) error
	Rotate(ctx context.Context, old *models.RefreshToken, successor *models.RefreshToken, at time.Time) error
	RevokeAllOfUser(ctx context.Context, userID int64, clientID string, at time.Time) ([]string, error)
	RevokeFamily(ctx context.Context, familyID string, userID int64, at time.Time) (int64, error)
}

type sessionRevoker interface {
	MarkTokenVersionRevoked(ctx context.Context, userID, tokenVersion int64) error
	MarkSessionRevoked(ctx context.Context, userID int64, familyID string) error
	MarkRefreshTokenRevoked(ctx context.Context, userID, refreshTokenID int64) error
}

// RefreshTokenConfig configures refresh token generation.
type RefreshTokenConfig struct {
	Bytes         int
	TTL           time.Duration
	HashAlgorithm string
	Clock         Clock
	Random        io.Reader
}

// RefreshTokenService issues, verifies and revokes refresh tokens.
// Wire tokens have the form "<id>.<base64url secret>".
type RefreshTokenService struct {
	repo    refreshTokenRepository
	index   sessionRevoker
	keys    *keys.Registry
	cfg     RefreshTokenConfig
	newHash func() hash.Hash
	metrics *MetricsService
	logger  *zap.Logger
}

// NewRefreshTokenService validates the configuration and constructs the store.
func NewRefreshTokenService(repo refreshTokenRepository, index sessionRevoker, registry *keys.Registry, cfg RefreshTokenConfig, logger *zap.Logger) (*RefreshTokenService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		return nil, fmt.Errorf("refresh token key registry is required")
	}
	if _, err := registry.Current(); err != nil {
		return nil, fmt.Errorf("refresh token key: %w", err)
	}
	if cfg.Bytes < 32 {
		return nil, fmt.Errorf("refresh token length must be at least 32 bytes")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("refresh token ttl must be positive")
	}
	var newHash func() hash.Hash
	switch strings.ToLower(cfg.HashAlgorithm) {
	case "", "sha256":
		newHash = sha256.New
	case "sha512":
		newHash = sha512.New
	default:
		return nil, fmt.Errorf("unsupported refresh token hash algorithm %q", cfg.HashAlgorithm)
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock
	}
	if cfg.Random == nil {
		cfg.Random = rand.Reader
	}
	return &RefreshTokenService{repo: repo, index: index, keys: registry, cfg: cfg, newHash: newHash, logger: logger}, nil
}

// WithMetrics records store query timings on m.
func (s *RefreshTokenService) WithMetrics(m *MetricsService) *RefreshTokenService {
	s.metrics = m
	return s
}

func (s *RefreshTokenService) observe(query string, start time.Time) {
	s.metrics.ObserveDBQuery(query, time.Since(start))
}

// Create persists a new record and returns its wire value. An empty familyID starts a new family.
func (s *RefreshTokenService) Create(ctx context.Context, userID int64, clientID, familyID string) (string, *models.RefreshToken, error) {
	secret, record, err := s.build(userID, clientID, familyID)
	if err != nil {
		return "", nil, err
	}
	defer s.observe("refresh_token_create", time.Now())
	if err := s.repo.Create(ctx, record); err != nil {
		return "", nil, storeUnavailable(err)
	}
	return wire(record.ID, secret), record, nil
}

// Find resolves the record referenced by a wire token. It does not check the secret.
func (s *RefreshTokenService) Find(ctx context.Context, wireToken string) (*models.RefreshToken, error) {
	id, _, ok := split(wireToken)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrTokenMalformed, "")
	}
	defer s.observe("refresh_token_find", time.Now())
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrTokenNotFound, "")
		}
		return nil, storeUnavailable(err)
	}
	return record, nil
}

// IsValueValid reports whether wireToken is the live value of record for clientID.
func (s *RefreshTokenService) IsValueValid(record *models.RefreshToken, wireToken, clientID string) bool {
	if record == nil {
		return false
	}
	id, secret, ok := split(wireToken)
	if !ok {
		return false
	}
	digest, _, err := s.digest(secret)
	if err != nil {
		s.logger.Error("refresh token key unavailable", zap.Error(err))
		return false
	}
	hashMatches := hmac.Equal([]byte(digest), []byte(record.TokenHash))
	return hashMatches && id == record.ID && record.ClientID == clientID && !record.IsRevoked()
}

// IsExpired reports whether record is past its expiry.
func (s *RefreshTokenService) IsExpired(record *models.RefreshToken) bool {
	return record.IsExpired(s.cfg.Clock())
}

// Replace marks old as superseded by newID.
func (s *RefreshTokenService) Replace(ctx context.Context, old *models.RefreshToken, newID int64) error {
	now := s.cfg.Clock()
	if err := s.repo.Replace(ctx, old.ID, newID, now); err != nil {
		if errors.Is(err, repository.ErrAlreadyRevoked) {
			return appErrors.Clone(appErrors.ErrTokenInvalid, "")
		}
		return storeUnavailable(err)
	}
	old.ReplacedByTokenID = &newID
	old.RevokedAt = &now
	return nil
}

// Rotate creates the successor of old in the same family and supersedes old atomically.
// Only one of several concurrent rotations of the same record succeeds; the others get TokenInvalid.
func (s *RefreshTokenService) Rotate(ctx context.Context, old *models.RefreshToken) (string, *models.RefreshToken, error) {
	secret, successor, err := s.build(old.UserID, old.ClientID, old.FamilyID)
	if err != nil {
		return "", nil, err
	}
	defer s.observe("refresh_token_rotate", time.Now())
	if err := s.repo.Rotate(ctx, old, successor, s.cfg.Clock()); err != nil {
		if errors.Is(err, repository.ErrAlreadyRevoked) {
			return "", nil, appErrors.Clone(appErrors.ErrTokenInvalid, "")
		}
		return "", nil, storeUnavailable(err)
	}
	return wire(successor.ID, secret), successor, nil
}

// RevokeAllOfUser revokes every active record of the user, optionally for one client only,
// and denylists the affected sessions.
func (s *RefreshTokenService) RevokeAllOfUser(ctx context.Context, userID int64, clientID string) error {
	families, err := s.repo.RevokeAllOfUser(ctx, userID, clientID, s.cfg.Clock())
	if err != nil {
		return storeUnavailable(err)
	}
	for _, familyID := range families {
		if err := s.index.MarkSessionRevoked(ctx, userID, familyID); err != nil {
			return err
		}
	}
	return nil
}

// RevokeAllOfUserByVersion revokes every active record of the user, denylists tokenVersion
// and the sessions of the revoked records. tokenVersion may be stale when breaches race,
// so the sessions are marked as well.
func (s *RefreshTokenService) RevokeAllOfUserByVersion(ctx context.Context, userID, tokenVersion int64) error {
	families, err := s.repo.RevokeAllOfUser(ctx, userID, "", s.cfg.Clock())
	if err != nil {
		return storeUnavailable(err)
	}
	if err := s.index.MarkTokenVersionRevoked(ctx, userID, tokenVersion); err != nil {
		return err
	}
	for _, familyID := range families {
		if err := s.index.MarkSessionRevoked(ctx, userID, familyID); err != nil {
			return err
		}
	}
	return nil
}

// RevokeFamily revokes one rotation chain and denylists its session.
func (s *RefreshTokenService) RevokeFamily(ctx context.Context, familyID string, userID int64) error {
	if _, err := s.repo.RevokeFamily(ctx, familyID, userID, s.cfg.Clock()); err != nil {
		return storeUnavailable(err)
	}
	return s.index.MarkSessionRevoked(ctx, userID, familyID)
}

func (s *RefreshTokenService) build(userID int64, clientID, familyID string) (string, *models.RefreshToken, error) {
	raw := make([]byte, s.cfg.Bytes)
	if _, err := io.ReadFull(s.cfg.Random, raw); err != nil {
		return "", nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate refresh token")
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	digest, keyID, err := s.digest(secret)
	if err != nil {
		return "", nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash refresh token")
	}
	if familyID == "" {
		familyID = uuid.NewString()
	}
	now := s.cfg.Clock()
	return secret, &models.RefreshToken{
		UserID:    userID,
		ClientID:  clientID,
		FamilyID:  familyID,
		TokenHash: digest,
		KeyID:     keyID,
		ExpiresAt: now.Add(s.cfg.TTL),
		CreatedAt: now,
	}, nil
}

func (s *RefreshTokenService) digest(secret string) (string, string, error) {
	key, err := s.keys.Current()
	if err != nil {
		return "", "", err
	}
	mac := hmac.New(s.newHash, key.Secret)
	mac.Write([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), key.ID, nil
}

func wire(id int64, secret string) string {
	return strconv.FormatInt(id, 10) + "." + secret
}

// split parses "<id>.<secret>". The id must be a plain decimal number.
func split(wireToken string) (int64, string, bool) {
	idx := strings.IndexByte(wireToken, '.')
	if idx <= 0 || idx == len(wireToken)-1 {
		return 0, "", false
	}
	prefix := wireToken[:idx]
	for i := 0; i < len(prefix); i++ {
		if prefix[i] < '0' || prefix[i] > '9' {
			return 0, "", false
		}
	}
	id, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, wireToken[idx+1:], true
}

func storeUnavailable(err error) error {
	return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "refresh token store unavailable")
}
