package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/averyhill/strongbox/internal/database"
	"github.com/averyhill/strongbox/internal/models"
	"github.com/google/uuid"
)

// ResetTokenRepository stores password reset tokens. Only the SHA-256 hash
// of the token ever reaches the database; the plaintext exists in the reset
// email alone.
type ResetTokenRepository struct {
	db *database.DB
}

func NewResetTokenRepository(db *database.DB) *ResetTokenRepository {
	return &ResetTokenRepository{db: db}
}

func (r *ResetTokenRepository) Create(ctx context.Context, token *models.PasswordResetToken) error {
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	token.CreatedAt = time.Now()

	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO password_reset_tokens (id, user_id, token_hash, expires_at, used_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		token.ID, token.UserID, token.TokenHash, token.ExpiresAt,
		token.UsedAt, token.CreatedAt,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}

	return nil
}

func (r *ResetTokenRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*models.PasswordResetToken, error) {
	var token models.PasswordResetToken

	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, user_id, token_hash, expires_at, used_at, created_at
		 FROM password_reset_tokens WHERE token_hash = $1`,
		tokenHash,
	).Scan(
		&token.ID, &token.UserID, &token.TokenHash, &token.ExpiresAt,
		&token.UsedAt, &token.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &token, nil
}

// MarkUsed consumes a reset token. Like refresh rotation this is a
// compare-and-swap; a second consumer gets ErrNotFound.
func (r *ResetTokenRepository) MarkUsed(ctx context.Context, id string) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE password_reset_tokens SET used_at = now()
		 WHERE id = $1 AND used_at IS NULL`,
		id,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}

	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}

	return nil
}

func (r *ResetTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.Pool.Exec(ctx,
		`DELETE FROM password_reset_tokens WHERE expires_at < $1`, before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired reset tokens: %w", err)
	}

	return result.RowsAffected(), nil
}
