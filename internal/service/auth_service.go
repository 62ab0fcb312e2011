package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/noah-isme/carvalue-api/internal/models"
	"github.com/noah-isme/carvalue-api/internal/repository"
	appErrors "github.com/noah-isme/carvalue-api/pkg/errors"
)

// Auth events recorded by metrics.
const (
	EventSignup  = "signup"
	EventLogin   = "login"
	EventRefresh = "refresh"
	EventLogout  = "logout"
	EventRevoke  = "revoke_all"
)

type authUserStore interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id int64) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	IncrementTokenVersion(ctx context.Context, id int64) (int64, error)
	UpdatePassword(ctx context.Context, id int64, passwordHash string, updatedAt time.Time) error
}

type passwordHasher interface {
	Hash(password string) (string, error)
	Verify(password, encoded string) (bool, error)
	NeedsUpgrade(encoded string) bool
}

type refreshTokenStore interface {
	Create(ctx context.Context, userID int64, clientID, familyID string) (string, *models.RefreshToken, error)
	Find(ctx context.Context, wireToken string) (*models.RefreshToken, error)
	IsValueValid(record *models.RefreshToken, wireToken, clientID string) bool
	IsExpired(record *models.RefreshToken) bool
	Rotate(ctx context.Context, old *models.RefreshToken) (string, *models.RefreshToken, error)
	RevokeAllOfUser(ctx context.Context, userID int64, clientID string) error
	RevokeAllOfUserByVersion(ctx context.Context, userID, tokenVersion int64) error
	RevokeFamily(ctx context.Context, familyID string, userID int64) error
}

type sessionIndex interface {
	MarkSessionRevoked(ctx context.Context, userID int64, familyID string) error
	MarkRefreshTokenRevoked(ctx context.Context, userID, refreshTokenID int64) error
}

type accessTokenIssuer interface {
	Issue(user *models.User, familyID string, refreshTokenID int64) (string, *models.JWTClaims, error)
	TTL() time.Duration
}

type auditRecorder interface {
	Record(ctx context.Context, log *models.AuditLog)
}

// AuthService implements signup, login, refresh rotation with reuse detection, and logout.
type AuthService struct {
	users     authUserStore
	hasher    passwordHasher
	tokens    refreshTokenStore
	index     sessionIndex
	issuer    accessTokenIssuer
	audit     auditRecorder
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
	clock     Clock

	// dummyHash is verified against when the e-mail is unknown so both failure paths cost the same.
	dummyHash string
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(users authUserStore, hasher passwordHasher, tokens refreshTokenStore, index sessionIndex, issuer accessTokenIssuer, audit auditRecorder, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger) (*AuthService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	dummy, err := hasher.Hash(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("prepare dummy password hash: %w", err)
	}
	return &AuthService{
		users:     users,
		hasher:    hasher,
		tokens:    tokens,
		index:     index,
		issuer:    issuer,
		audit:     audit,
		validator: validate,
		metrics:   metrics,
		logger:    logger,
		clock:     systemClock,
		dummyHash: dummy,
	}, nil
}

// Signup registers a new user with the default role.
func (s *AuthService) Signup(ctx context.Context, req models.SignupRequest) (*models.UserInfo, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid signup payload")
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		Email:        req.Email,
		Name:         req.Name,
		Nickname:     req.Nickname,
		PasswordHash: hash,
		Roles:        pq.StringArray{string(models.RoleUser)},
	}
	if err := s.users.Create(ctx, user); err != nil {
		s.metrics.RecordAuthEvent(EventSignup, OutcomeFailure)
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "user with this e-mail already exists")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to create user")
	}

	s.metrics.RecordAuthEvent(EventSignup, OutcomeSuccess)
	s.record(ctx, &models.AuditLog{UserID: &user.ID, Action: models.AuditActionSignup, Resource: "auth"})
	info := user.Info()
	return &info, nil
}

// Login authenticates a user and starts a new session for the client. Any previous
// session of the same client is revoked first.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.users.FindByEmail(ctx, req.Email)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to fetch user")
	}

	encoded := s.dummyHash
	if user != nil {
		encoded = user.PasswordHash
	}
	valid, verr := s.hasher.Verify(req.Password, encoded)
	if verr != nil {
		s.logger.Warn("stored password hash unreadable", zap.Error(verr))
		valid = false
	}
	if user == nil || !valid {
		s.metrics.RecordAuthEvent(EventLogin, OutcomeFailure)
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	if s.hasher.NeedsUpgrade(user.PasswordHash) {
		s.upgradeHash(ctx, user, req.Password)
	}

	if err := s.tokens.RevokeAllOfUser(ctx, user.ID, req.ClientID); err != nil {
		return nil, err
	}

	refreshToken, record, err := s.tokens.Create(ctx, user.ID, req.ClientID, "")
	if err != nil {
		return nil, err
	}

	resp, err := s.respond(user, record, refreshToken)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordAuthEvent(EventLogin, OutcomeSuccess)
	s.record(ctx, &models.AuditLog{
		UserID:    &user.ID,
		Action:    models.AuditActionLogin,
		Resource:  "auth",
		ClientID:  req.ClientID,
		IPAddress: req.IP,
		UserAgent: req.UserAgent,
	})
	return resp, nil
}

// Refresh exchanges a refresh token for a new pair. Presenting a token that exists but
// does not match its record is treated as reuse: every session of the user is revoked
// and the token version is bumped before the error is returned.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshTokenRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	record, err := s.findRecord(ctx, req.RefreshToken)
	if err != nil {
		s.metrics.RecordAuthEvent(EventRefresh, OutcomeFailure)
		return nil, err
	}

	user, err := s.users.FindByID(ctx, record.UserID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to load user")
		}
		s.logger.Warn("refresh for missing user, revoking remaining tokens", zap.Int64("user_id", record.UserID))
		if err := s.tokens.RevokeAllOfUser(ctx, record.UserID, ""); err != nil {
			return nil, err
		}
		s.metrics.RecordAuthEvent(EventRefresh, OutcomeFailure)
		return nil, appErrors.Clone(appErrors.ErrUserGone, "")
	}

	if !s.tokens.IsValueValid(record, req.RefreshToken, req.ClientID) {
		return nil, s.breach(ctx, user, record, req)
	}

	if s.tokens.IsExpired(record) {
		s.metrics.RecordAuthEvent(EventRefresh, OutcomeFailure)
		return nil, appErrors.Clone(appErrors.ErrTokenExpired, "")
	}

	refreshToken, next, err := s.tokens.Rotate(ctx, record)
	if err != nil {
		if errors.Is(err, appErrors.ErrTokenInvalid) {
			// Lost a concurrent rotation of the same token.
			return nil, s.breach(ctx, user, record, req)
		}
		return nil, err
	}

	resp, err := s.respond(user, next, refreshToken)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordAuthEvent(EventRefresh, OutcomeSuccess)
	s.record(ctx, &models.AuditLog{
		UserID:    &user.ID,
		Action:    models.AuditActionRefresh,
		Resource:  "auth",
		ClientID:  req.ClientID,
		IPAddress: req.IP,
		UserAgent: req.UserAgent,
	})
	return resp, nil
}

// Logout ends the session the refresh token belongs to. Unknown tokens and tokens of
// another account trigger defensive revocation before the error is returned.
func (s *AuthService) Logout(ctx context.Context, current *models.CurrentUser, req models.LogoutRequest) error {
	if current == nil {
		return appErrors.Clone(appErrors.ErrUnauthorized, "")
	}
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid logout payload")
	}

	record, err := s.findRecord(ctx, req.RefreshToken)
	if err != nil {
		if !errors.Is(err, appErrors.ErrTokenNotFound) {
			return err
		}
		s.logger.Warn("logout with unknown refresh token, revoking caller sessions", zap.Int64("user_id", current.ID))
		if err := s.revokeCaller(ctx, current); err != nil {
			return err
		}
		s.metrics.RecordAuthEvent(EventLogout, OutcomeFailure)
		return appErrors.Clone(appErrors.ErrTokenNotFound, "")
	}

	if record.UserID != current.ID {
		s.logger.Warn("cross-account logout attempt",
			zap.Int64("user_id", current.ID),
			zap.Int64("owner_id", record.UserID),
			zap.String("family_id", record.FamilyID),
			zap.String("client_id", req.ClientID))
		if err := s.revokeCaller(ctx, current); err != nil {
			return err
		}
		if err := s.tokens.RevokeAllOfUser(ctx, record.UserID, ""); err != nil {
			return err
		}
		if err := s.index.MarkSessionRevoked(ctx, record.UserID, record.FamilyID); err != nil {
			return err
		}
		s.metrics.RecordAuthEvent(EventLogout, OutcomeBreach)
		s.record(ctx, &models.AuditLog{
			UserID:    &current.ID,
			Action:    models.AuditActionCrossLogout,
			Resource:  "auth",
			ClientID:  req.ClientID,
			NewValues: []byte(fmt.Sprintf(`{"owner_id":%d}`, record.UserID)),
			IPAddress: req.IP,
			UserAgent: req.UserAgent,
		})
		return appErrors.Clone(appErrors.ErrForbidden, "")
	}

	if err := s.tokens.RevokeFamily(ctx, record.FamilyID, current.ID); err != nil {
		return err
	}
	if err := s.index.MarkRefreshTokenRevoked(ctx, current.ID, record.ID); err != nil {
		return err
	}
	if current.SessionID != "" && current.SessionID != record.FamilyID {
		if err := s.index.MarkSessionRevoked(ctx, current.ID, current.SessionID); err != nil {
			return err
		}
	}

	s.metrics.RecordAuthEvent(EventLogout, OutcomeSuccess)
	s.record(ctx, &models.AuditLog{
		UserID:    &current.ID,
		Action:    models.AuditActionLogout,
		Resource:  "auth",
		ClientID:  req.ClientID,
		IPAddress: req.IP,
		UserAgent: req.UserAgent,
	})
	return nil
}

// RevokeAllSessions ends every session of userID and invalidates all of its access tokens
// by retiring the current token version.
func (s *AuthService) RevokeAllSessions(ctx context.Context, actor *models.CurrentUser, userID int64) error {
	if actor == nil {
		return appErrors.Clone(appErrors.ErrUnauthorized, "")
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to load user")
	}
	if err := s.tokens.RevokeAllOfUserByVersion(ctx, user.ID, user.TokenVersion); err != nil {
		return err
	}
	if _, err := s.users.IncrementTokenVersion(ctx, user.ID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to bump token version")
	}

	s.logger.Info("all sessions revoked", zap.Int64("user_id", user.ID), zap.Int64("actor_id", actor.ID))
	s.metrics.RecordAuthEvent(EventRevoke, OutcomeSuccess)
	s.record(ctx, &models.AuditLog{
		UserID:    &user.ID,
		Action:    models.AuditActionRevokeAll,
		Resource:  "session",
		NewValues: []byte(fmt.Sprintf(`{"actor_id":%d}`, actor.ID)),
	})
	return nil
}

// CurrentUser reloads the authenticated user.
func (s *AuthService) CurrentUser(ctx context.Context, current *models.CurrentUser) (*models.UserInfo, error) {
	if current == nil {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "")
	}
	user, err := s.users.FindByID(ctx, current.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to load user")
	}
	info := user.Info()
	return &info, nil
}

// findRecord hides the difference between malformed and unknown tokens from callers.
func (s *AuthService) findRecord(ctx context.Context, wireToken string) (*models.RefreshToken, error) {
	record, err := s.tokens.Find(ctx, wireToken)
	if err != nil {
		if errors.Is(err, appErrors.ErrTokenMalformed) || errors.Is(err, appErrors.ErrTokenNotFound) {
			return nil, appErrors.Clone(appErrors.ErrTokenNotFound, "")
		}
		return nil, err
	}
	return record, nil
}

// breach revokes by the current token version, then bumps it. The order matters: the
// version that outstanding access tokens carry must be denylisted before it changes.
func (s *AuthService) breach(ctx context.Context, user *models.User, record *models.RefreshToken, req models.RefreshTokenRequest) error {
	s.logger.Warn("refresh token reuse detected",
		zap.Int64("user_id", user.ID),
		zap.Int64("token_id", record.ID),
		zap.String("family_id", record.FamilyID),
		zap.String("client_id", req.ClientID))

	if err := s.tokens.RevokeAllOfUserByVersion(ctx, user.ID, user.TokenVersion); err != nil {
		return err
	}
	if _, err := s.users.IncrementTokenVersion(ctx, user.ID); err != nil {
		return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to bump token version")
	}

	s.metrics.RecordAuthEvent(EventRefresh, OutcomeBreach)
	s.record(ctx, &models.AuditLog{
		UserID:    &user.ID,
		Action:    models.AuditActionBreachDetected,
		Resource:  "auth",
		ClientID:  req.ClientID,
		NewValues: []byte(fmt.Sprintf(`{"token_id":%d,"family_id":%q}`, record.ID, record.FamilyID)),
		IPAddress: req.IP,
		UserAgent: req.UserAgent,
	})
	return appErrors.Clone(appErrors.ErrTokenInvalid, "")
}

// revokeCaller revokes all of the caller's refresh tokens and the session of the access
// token used for the call, which may belong to an already revoked family.
func (s *AuthService) revokeCaller(ctx context.Context, current *models.CurrentUser) error {
	if err := s.tokens.RevokeAllOfUser(ctx, current.ID, ""); err != nil {
		return err
	}
	if current.SessionID == "" {
		return nil
	}
	return s.index.MarkSessionRevoked(ctx, current.ID, current.SessionID)
}

func (s *AuthService) record(ctx context.Context, log *models.AuditLog) {
	if s.audit != nil {
		s.audit.Record(ctx, log)
	}
}

func (s *AuthService) upgradeHash(ctx context.Context, user *models.User, password string) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Warn("failed to rehash password", zap.Int64("user_id", user.ID), zap.Error(err))
		return
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash, s.clock()); err != nil {
		s.logger.Warn("failed to store upgraded password hash", zap.Int64("user_id", user.ID), zap.Error(err))
		return
	}
	user.PasswordHash = hash
}

func (s *AuthService) respond(user *models.User, record *models.RefreshToken, refreshToken string) (*models.AuthResponse, error) {
	accessToken, claims, err := s.issuer.Issue(user, record.FamilyID, record.ID)
	if err != nil {
		return nil, err
	}
	return &models.AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.issuer.TTL().Seconds()),
		IssuedAt:     claims.IssuedAt.Time,
		User:         user.Info(),
	}, nil
}
