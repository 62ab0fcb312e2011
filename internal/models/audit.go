package models

import "time"

// AuditAction constants represent actions to be logged.
const (
	AuditActionSignup         = "SIGNUP"
	AuditActionLogin          = "LOGIN"
	AuditActionLogout         = "LOGOUT"
	AuditActionRefresh        = "REFRESH"
	AuditActionBreachDetected = "REFRESH_REUSE_DETECTED"
	AuditActionCrossLogout    = "CROSS_ACCOUNT_LOGOUT"
	AuditActionRevokeAll      = "REVOKE_ALL_SESSIONS"
)

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID        string    `db:"id" json:"id"`
	UserID    *int64    `db:"user_id" json:"user_id,omitempty"`
	Action    string    `db:"action" json:"action"`
	Resource  string    `db:"resource" json:"resource"`
	ClientID  string    `db:"client_id" json:"client_id"`
	NewValues []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress string    `db:"ip_address" json:"ip_address"`
	UserAgent string    `db:"user_agent" json:"user_agent"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
