package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/averyhill/strongbox/internal/database"
	"github.com/averyhill/strongbox/internal/models"
	"github.com/jackc/pgx/v5"
)

// RefreshTokenRepository stores one record per issued refresh token, keyed
// by the token's JTI. Rotation is a compare-and-swap on the revoked flag so
// a token can be consumed exactly once no matter how many requests race.
type RefreshTokenRepository struct {
	db *database.DB
}

func NewRefreshTokenRepository(db *database.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

const refreshTokenColumns = `id, user_id, issued_at, expires_at, revoked, revoked_at`

func scanRefreshTokenRow(scanner rowScanner) (*models.RefreshToken, error) {
	var token models.RefreshToken

	err := scanner.Scan(
		&token.ID, &token.UserID, &token.IssuedAt, &token.ExpiresAt,
		&token.Revoked, &token.RevokedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &token, nil
}

func (r *RefreshTokenRepository) Insert(ctx context.Context, token *models.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (id, user_id, issued_at, expires_at, revoked, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.Pool.Exec(ctx, query,
		token.ID, token.UserID, token.IssuedAt, token.ExpiresAt,
		token.Revoked, token.RevokedAt,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}

	return nil
}

func (r *RefreshTokenRepository) GetByID(ctx context.Context, id string) (*models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE id = $1`

	return scanRefreshTokenRow(r.db.Pool.QueryRow(ctx, query, id))
}

// Rotate atomically consumes the old token and records its successor. The
// consume step only matches a live row; zero rows means the old token was
// already revoked or never existed, and both cases report ErrTokenRevoked
// so callers cannot tell which one it was.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, oldID string, next *models.RefreshToken) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx,
			`UPDATE refresh_tokens SET revoked = true, revoked_at = now()
			 WHERE id = $1 AND revoked = false`,
			oldID,
		)
		if err != nil {
			return database.MapPostgresError(err)
		}

		if result.RowsAffected() == 0 {
			return models.ErrTokenRevoked
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO refresh_tokens (id, user_id, issued_at, expires_at, revoked, revoked_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			next.ID, next.UserID, next.IssuedAt, next.ExpiresAt,
			next.Revoked, next.RevokedAt,
		)
		if err != nil {
			return database.MapPostgresError(err)
		}

		return nil
	})
}

// Revoke marks a single token revoked. Revoking a token that is already
// revoked or unknown is a no-op; revocation is idempotent.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, id string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = true, revoked_at = now()
		 WHERE id = $1 AND revoked = false`,
		id,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}

	return nil
}

// RevokeAllForUser revokes every live token belonging to a user and returns
// how many were affected.
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked = true, revoked_at = now()
		 WHERE user_id = $1 AND revoked = false`,
		userID,
	)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}

	return result.RowsAffected(), nil
}

// DeleteExpired removes records whose expiry passed before the cutoff.
// Revoked-but-unexpired rows are kept so rotation replay still fails loudly.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.Pool.Exec(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at < $1`, before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", err)
	}

	return result.RowsAffected(), nil
}

func (r *RefreshTokenRepository) CountLiveForUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM refresh_tokens
		 WHERE user_id = $1 AND revoked = false AND expires_at > now()`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count refresh tokens: %w", err)
	}

	return count, nil
}
