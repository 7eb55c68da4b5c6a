package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/averyhill/strongbox/internal/database"
	"github.com/averyhill/strongbox/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

const identityColumns = `
	id, email, username, password_hash, role, status,
	failed_attempts, locked_until, password_history,
	totp_enabled, totp_confirmed, totp_secret_enc, totp_secret_nonce,
	backup_code_hashes, last_login_at, last_password_change_at,
	version, created_at, updated_at
`

type IdentityRepository struct {
	pool *pgxpool.Pool
}

func NewIdentityRepository(db *database.DB) *IdentityRepository {
	return &IdentityRepository{pool: db.Pool}
}

// rowScanner interface for scanning identity rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIdentityRow(scanner rowScanner) (*models.Identity, error) {
	var identity models.Identity

	err := scanner.Scan(
		&identity.ID, &identity.Email, &identity.Username,
		&identity.PasswordHash, &identity.Role, &identity.Status,
		&identity.FailedAttempts, &identity.LockedUntil,
		pq.Array(&identity.PasswordHistory),
		&identity.TOTPEnabled, &identity.TOTPConfirmed,
		&identity.TOTPSecretEnc, &identity.TOTPSecretNonce,
		pq.Array(&identity.BackupCodeHashes),
		&identity.LastLoginAt, &identity.LastPasswordChangeAt,
		&identity.Version, &identity.CreatedAt, &identity.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &identity, nil
}

func (r *IdentityRepository) GetByID(ctx context.Context, id string) (*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE id = $1`

	return scanIdentityRow(r.pool.QueryRow(ctx, query, id))
}

// GetByIdentifier resolves a login identifier to an identity. Email matching
// is case-insensitive by normalizing the input; username matching is exact.
func (r *IdentityRepository) GetByIdentifier(ctx context.Context, identifier string) (*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE email = $1 OR username = $2`

	return scanIdentityRow(r.pool.QueryRow(ctx, query, strings.ToLower(identifier), identifier))
}

func (r *IdentityRepository) Create(ctx context.Context, identity *models.Identity) (*models.Identity, error) {
	if identity.ID == "" {
		identity.ID = uuid.New().String()
	}
	identity.Email = strings.ToLower(identity.Email)

	now := time.Now()
	identity.CreatedAt = now
	identity.UpdatedAt = now
	identity.Version = 1

	if identity.Role == "" {
		identity.Role = "user"
	}
	if identity.Status == "" {
		identity.Status = models.StatusActive
	}

	query := `
		INSERT INTO identities (
			id, email, username, password_hash, role, status,
			failed_attempts, locked_until, password_history,
			totp_enabled, totp_confirmed, totp_secret_enc, totp_secret_nonce,
			backup_code_hashes, last_login_at, last_password_change_at,
			version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING ` + identityColumns

	return scanIdentityRow(r.pool.QueryRow(ctx, query,
		identity.ID, identity.Email, identity.Username,
		identity.PasswordHash, identity.Role, identity.Status,
		identity.FailedAttempts, identity.LockedUntil,
		pq.Array(identity.PasswordHistory),
		identity.TOTPEnabled, identity.TOTPConfirmed,
		identity.TOTPSecretEnc, identity.TOTPSecretNonce,
		pq.Array(identity.BackupCodeHashes),
		identity.LastLoginAt, identity.LastPasswordChangeAt,
		identity.Version, identity.CreatedAt, identity.UpdatedAt,
	))
}

// Save persists all mutable fields using optimistic concurrency: the update
// only applies when the stored version still matches the version the caller
// read. A lost race returns models.ErrVersionConflict and the caller decides
// whether to reload and retry.
func (r *IdentityRepository) Save(ctx context.Context, identity *models.Identity) (*models.Identity, error) {
	expectedVersion := identity.Version
	identity.UpdatedAt = time.Now()

	query := `
		UPDATE identities SET
			email = $1, username = $2, password_hash = $3, role = $4, status = $5,
			failed_attempts = $6, locked_until = $7, password_history = $8,
			totp_enabled = $9, totp_confirmed = $10, totp_secret_enc = $11, totp_secret_nonce = $12,
			backup_code_hashes = $13, last_login_at = $14, last_password_change_at = $15,
			version = version + 1, updated_at = $16
		WHERE id = $17 AND version = $18
		RETURNING ` + identityColumns

	updated, err := scanIdentityRow(r.pool.QueryRow(ctx, query,
		strings.ToLower(identity.Email), identity.Username,
		identity.PasswordHash, identity.Role, identity.Status,
		identity.FailedAttempts, identity.LockedUntil,
		pq.Array(identity.PasswordHistory),
		identity.TOTPEnabled, identity.TOTPConfirmed,
		identity.TOTPSecretEnc, identity.TOTPSecretNonce,
		pq.Array(identity.BackupCodeHashes),
		identity.LastLoginAt, identity.LastPasswordChangeAt,
		identity.UpdatedAt, identity.ID, expectedVersion,
	))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// No row matched id+version. Distinguish a stale version from a
			// genuinely missing identity.
			var exists bool
			checkErr := r.pool.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM identities WHERE id = $1)`, identity.ID,
			).Scan(&exists)
			if checkErr != nil {
				return nil, database.MapPostgresError(checkErr)
			}
			if exists {
				return nil, models.ErrVersionConflict
			}
			return nil, models.ErrNotFound
		}
		return nil, err
	}

	return updated, nil
}

func (r *IdentityRepository) Delete(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return database.MapPostgresError(err)
	}

	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

func (r *IdentityRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM identities`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count identities: %w", err)
	}
	return count, nil
}
