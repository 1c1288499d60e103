package model

import "time"

// BackupCodeCount is the number of recovery codes issued per enrollment.
const BackupCodeCount = 8

// Credential is the persisted TOTP enrollment for one administrator. The
// shared secret and every backup code are stored as ciphertext only.
//
// FailedAttempts and LastFailedAttempt always move together: a reset sets
// both to their zero state in the same statement.
type Credential struct {
	AdminEmail        string     `json:"admin_email"`
	EncryptedSecret   string     `json:"-"`
	BackupCodes       []string   `json:"-"` // ciphertexts, ordered
	FailedAttempts    int        `json:"failed_attempts"`
	LastFailedAttempt *time.Time `json:"last_failed_attempt,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
