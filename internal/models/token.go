package models

import "time"

// RefreshToken is a persisted refresh token. TokenHash is the keyed HMAC of the secret
// part of the wire token; the raw secret is never stored.
type RefreshToken struct {
	ID                int64      `db:"id" json:"id"`
	UserID            int64      `db:"user_id" json:"user_id"`
	ClientID          string     `db:"client_id" json:"client_id"`
	FamilyID          string     `db:"family_id" json:"family_id"`
	TokenHash         string     `db:"token_hash" json:"-"`
	KeyID             string     `db:"key_id" json:"-"`
	ReplacedByTokenID *int64     `db:"replaced_by_token_id" json:"replaced_by_token_id,omitempty"`
	ExpiresAt         time.Time  `db:"expires_at" json:"expires_at"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	RevokedAt         *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
}

// IsRevoked reports whether the token has been revoked.
func (t *RefreshToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsExpired reports whether now is at or past the expiry.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsActive reports whether the token is neither revoked nor expired.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return !t.IsRevoked() && !t.IsExpired(now)
}
