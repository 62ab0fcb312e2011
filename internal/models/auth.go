package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenType is the only token type accepted on authenticated routes.
const AccessTokenType = "access"

// SignupRequest registers a new account.
type SignupRequest struct {
	Email    string  `json:"email" validate:"required,email,max=255"`
	Name     string  `json:"name" validate:"required,max=255"`
	Nickname *string `json:"nickname,omitempty" validate:"omitempty,max=255"`
	Password string  `json:"password" validate:"required,min=10,max=128"`
}

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	ClientID  string `json:"client_id" validate:"required,max=64"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// RefreshTokenRequest carries a wire refresh token and the client it was issued to.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	ClientID     string `json:"client_id" validate:"required,max=64"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// LogoutRequest names the refresh token whose session should end.
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	ClientID     string `json:"client_id" validate:"required,max=64"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// AuthResponse returns the issued token pair and user info.
type AuthResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in"`
	IssuedAt     time.Time `json:"issued_at"`
	User         UserInfo  `json:"user"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	ID       int64      `json:"id"`
	Email    string     `json:"email"`
	Name     string     `json:"name"`
	Nickname *string    `json:"nickname,omitempty"`
	Roles    []UserRole `json:"roles"`
}

// JWTClaims represents the JWT payload for access tokens. Subject holds the user id.
type JWTClaims struct {
	Email          string     `json:"email"`
	Roles          []UserRole `json:"roles"`
	Type           string     `json:"type"`
	SessionID      string     `json:"sid"`
	RefreshTokenID string     `json:"rtid"`
	TokenVersion   int64      `json:"ver"`
	jwt.RegisteredClaims
}

// CurrentUser is the identity attached to an authenticated request.
type CurrentUser struct {
	ID             int64
	Email          string
	Roles          []UserRole
	SessionID      string
	RefreshTokenID string
	TokenVersion   int64
}

// HasRole reports whether the identity holds role.
func (u *CurrentUser) HasRole(role UserRole) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}
