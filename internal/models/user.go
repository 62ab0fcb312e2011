package models

import (
	"time"

	"github.com/lib/pq"
)

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleUser  UserRole = "USER"
	RoleAdmin UserRole = "ADMIN"
)

// User represents an application user stored in the users table.
// TokenVersion is bumped whenever every access token issued so far must stop working.
type User struct {
	ID           int64          `db:"id" json:"id"`
	Email        string         `db:"email" json:"email"`
	Name         string         `db:"name" json:"name"`
	Nickname     *string        `db:"nickname" json:"nickname,omitempty"`
	PasswordHash string         `db:"password_hash" json:"-"`
	Roles        pq.StringArray `db:"roles" json:"roles"`
	TokenVersion int64          `db:"token_version" json:"-"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// HasRole reports whether the user holds role.
func (u *User) HasRole(role UserRole) bool {
	for _, r := range u.Roles {
		if r == string(role) {
			return true
		}
	}
	return false
}

// Info returns the public summary of the user.
func (u *User) Info() UserInfo {
	roles := make([]UserRole, 0, len(u.Roles))
	for _, r := range u.Roles {
		roles = append(roles, UserRole(r))
	}
	return UserInfo{ID: u.ID, Email: u.Email, Name: u.Name, Nickname: u.Nickname, Roles: roles}
}
