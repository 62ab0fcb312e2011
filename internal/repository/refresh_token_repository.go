package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/carvalue-api/internal/models"
)

// ErrAlreadyRevoked is returned when a conditional revoke finds the record already revoked.
var ErrAlreadyRevoked = errors.New("refresh token already revoked")

const refreshTokenColumns = `id, user_id, client_id, family_id, token_hash, key_id, replaced_by_token_id, expires_at, created_at, revoked_at`

// RefreshTokenRepository persists refresh token records and their rotation chain.
type RefreshTokenRepository struct {
	db *sqlx.DB
}

// NewRefreshTokenRepository constructs the repository.
func NewRefreshTokenRepository(db *sqlx.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

type refreshTokenInserter interface {
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
}

func insertRefreshToken(ctx context.Context, q refreshTokenInserter, token *models.RefreshToken) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO refresh_tokens (user_id, client_id, family_id, token_hash, key_id, expires_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	return q.QueryRowxContext(ctx, query, token.UserID, token.ClientID, token.FamilyID, token.TokenHash,
		token.KeyID, token.ExpiresAt, token.CreatedAt).Scan(&token.ID)
}

// Create inserts a record and assigns its id.
func (r *RefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	if err := insertRefreshToken(ctx, r.db, token); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindByID looks a record up by primary key.
func (r *RefreshTokenRepository) FindByID(ctx context.Context, id int64) (*models.RefreshToken, error) {
	const query = `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE id = $1 LIMIT 1`
	var token models.RefreshToken
	if err := r.db.GetContext(ctx, &token, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &token, nil
}

const replaceQuery = `UPDATE refresh_tokens SET replaced_by_token_id = $2, revoked_at = $3 WHERE id = $1 AND revoked_at IS NULL`

// Replace marks id as superseded by newID. It only succeeds while the record is still unrevoked.
func (r *RefreshTokenRepository) Replace(ctx context.Context, id, newID int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, replaceQuery, id, newID, at)
	if err != nil {
		return fmt.Errorf("replace refresh token: %w", err)
	}
	return expectOneRow(res, "replace refresh token")
}

// Rotate inserts successor and supersedes old in one transaction. When another caller
// already revoked old the transaction is rolled back and ErrAlreadyRevoked is returned.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, old *models.RefreshToken, successor *models.RefreshToken, at time.Time) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = insertRefreshToken(ctx, tx, successor); err != nil {
		return fmt.Errorf("insert successor token: %w", err)
	}
	res, err := tx.ExecContext(ctx, replaceQuery, old.ID, successor.ID, at)
	if err != nil {
		return fmt.Errorf("replace refresh token: %w", err)
	}
	if err = expectOneRow(res, "replace refresh token"); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit rotate transaction: %w", err)
	}

	newID := successor.ID
	old.ReplacedByTokenID = &newID
	revokedAt := at
	old.RevokedAt = &revokedAt
	return nil
}

// RevokeAllOfUser revokes every active record of the user, optionally scoped to one client,
// and returns the distinct family ids it touched.
func (r *RefreshTokenRepository) RevokeAllOfUser(ctx context.Context, userID int64, clientID string, at time.Time) ([]string, error) {
	query := `UPDATE refresh_tokens SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`
	args := []interface{}{userID, at}
	if clientID != "" {
		query += ` AND client_id = $3`
		args = append(args, clientID)
	}
	query += ` RETURNING family_id`

	var families []string
	if err := r.db.SelectContext(ctx, &families, query, args...); err != nil {
		return nil, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return distinct(families), nil
}

// RevokeFamily revokes every active record of one rotation chain.
func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, familyID string, userID int64, at time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET revoked_at = $3 WHERE family_id = $1 AND user_id = $2 AND revoked_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, familyID, userID, at)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh token family: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke refresh token family: %w", err)
	}
	return affected, nil
}

func expectOneRow(res sql.Result, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return ErrAlreadyRevoked
	}
	return nil
}

func distinct(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
