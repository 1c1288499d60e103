package model

import (
	"strings"
	"time"
)

// Admin represents an administrator known to the identity provider. The
// record is created on first login by the OAuth collaborator; this module
// only ever flips TotpEnabled once the administrator proves possession of
// their authenticator.
type Admin struct {
	Email       string    `json:"email" db:"email"`
	Name        string    `json:"name" db:"name"`
	IsAdmin     bool      `json:"is_admin" db:"is_admin"`
	TotpEnabled bool      `json:"totp_enabled" db:"totp_enabled"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// NormalizeEmail is the canonical form used as the record key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
