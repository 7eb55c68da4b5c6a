package models

import (
	"time"
)

// Account status values
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// PasswordHistoryLimit bounds how many previous password hashes are retained
// per identity. A password matching any retained hash is rejected on change.
const PasswordHistoryLimit = 5

// Identity is the durable per-user record shared by the lockout state
// machine, the password guard, and second-factor enrollment.
type Identity struct {
	ID           string
	Email        string // unique, stored lowercase
	Username     string // unique
	PasswordHash string // empty for federated identities
	Role         string // e.g., "user", "admin"
	Status       string // "active", "inactive"

	// Lockout state. LockedUntil is only ever set when FailedAttempts
	// crosses the configured threshold.
	FailedAttempts int
	LockedUntil    *time.Time

	// Hashes covered by the reuse check, newest first with the current hash
	// included, bounded at PasswordHistoryLimit.
	PasswordHistory []string

	// Second factor enrollment. The TOTP secret is stored AES-GCM encrypted;
	// enrollment stays pending until the first successful code verification
	// flips TOTPConfirmed and TOTPEnabled.
	TOTPEnabled      bool
	TOTPConfirmed    bool
	TOTPSecretEnc    []byte
	TOTPSecretNonce  []byte
	BackupCodeHashes []string

	LastLoginAt          *time.Time
	LastPasswordChangeAt *time.Time

	// Version supports optimistic concurrency: saves only succeed against
	// the version they read.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsLocked reports whether the identity is under an active temporary lock.
func (i *Identity) IsLocked(now time.Time) bool {
	return i.LockedUntil != nil && i.LockedUntil.After(now)
}

// IsActive reports whether the account may authenticate at all.
func (i *Identity) IsActive() bool {
	return i.Status == StatusActive
}

// PushPasswordHistory prepends a hash and truncates the history to the
// retention limit.
func (i *Identity) PushPasswordHistory(hash string) {
	history := append([]string{hash}, i.PasswordHistory...)
	if len(history) > PasswordHistoryLimit {
		history = history[:PasswordHistoryLimit]
	}
	i.PasswordHistory = history
}

// RemoveBackupCodeHash deletes the hash at the given index. Used after a
// backup code is consumed; each code is single-use.
func (i *Identity) RemoveBackupCodeHash(index int) {
	if index < 0 || index >= len(i.BackupCodeHashes) {
		return
	}
	i.BackupCodeHashes = append(i.BackupCodeHashes[:index], i.BackupCodeHashes[index+1:]...)
}
