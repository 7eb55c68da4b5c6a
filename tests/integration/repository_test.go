package integration

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/averyhill/strongbox/internal/models"
	"github.com/averyhill/strongbox/internal/repositories"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testDB     *TestDB
	setupOnce  sync.Once
	setupError error
)

// sharedDB starts one container for the whole package. Tests are expected to
// clean up after themselves with CleanupTables.
func sharedDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	setupOnce.Do(func() {
		testDB, setupError = SetupTestDatabase(context.Background())
	})
	if setupError != nil {
		t.Fatalf("failed to set up test database: %v", setupError)
	}

	t.Cleanup(func() {
		if err := testDB.CleanupTables(context.Background()); err != nil {
			t.Errorf("failed to clean up tables: %v", err)
		}
	})

	return testDB
}

func TestIdentityRepository_CreateAndGet(t *testing.T) {
	db := sharedDB(t)
	ctx := context.Background()
	repo := repositories.NewIdentityRepository(db.DB)

	created, err := SeedIdentity(ctx, repo, "alice@example.com", "alice", "Correct-Horse-1!")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, int64(1), created.Version)

	byID, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", byID.Email)

	byEmail, err := repo.GetByIdentifier(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byEmail.ID)

	byUsername, err := repo.GetByIdentifier(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byUsername.ID)

	_, err = repo.GetByIdentifier(ctx, "nobody")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestIdentityRepository_DuplicateEmailConflicts(t *testing.T) {
	db := sharedDB(t)
	ctx := context.Background()
	repo := repositories.NewIdentityRepository(db.DB)

	_, err := SeedIdentity(ctx, repo, "bob@example.com", "bob", "Correct-Horse-1!")
	require.NoError(t, err)

	_, err = SeedIdentity(ctx, repo, "bob@example.com", "bob2", "Correct-Horse-1!")
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestIdentityRepository_SaveVersionConflict(t *testing.T) {
	db := sharedDB(t)
	ctx := context.Background()
	repo := repositories.NewIdentityRepository(db.DB)

	created, err := SeedIdentity(ctx, repo, "carol@example.com", "carol", "Correct-Horse-1!")
	require.NoError(t, err)

	// Two readers load the same version
	first, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	second, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)

	first.FailedAttempts = 1
	saved, err := repo.Save(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, created.Version+1, saved.Version)

	// The stale reader loses
	second.FailedAttempts = 2
	_, err = repo.Save(ctx, second)
	assert.ErrorIs(t, err, models.ErrVersionConflict)
}

func TestIdentityRepository_ConcurrentSaves(t *testing.T) {
	db := sharedDB(t)
	ctx := context.Background()
	repo := repositories.NewIdentityRepository(db.DB)

	created, err := SeedIdentity(ctx, repo, "dave@example.com", "dave", "Correct-Horse-1!")
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			identity, err := repo.GetByID(ctx, created.ID)
			if err != nil {
				return
			}
			identity.FailedAttempts++
			if _, err := repo.Save(ctx, identity); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// At least one write wins and the stored version reflects exactly the
	// number of applied writes
	require.Greater(t, successes, 0)
	final, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Version+int64(successes), final.Version)
}

func TestIdentityRepository_PersistsSecondFactorEnrollment(t *testing.T) {
	db := sharedDB(t)
	ctx := context.Background()
	repo := repositories.NewIdentityRepository(db.DB)

	created, err := SeedIdentity(ctx, repo, "heidi@example.com", "heidi", "Correct-Horse-1!")
	require.NoError(t, err)

	// AES-GCM ciphertext is raw binary and routinely not valid UTF-8; lead
	// with bytes no text column would accept
	secret := append([]byte{0xc3, 0x28, 0x00, 0xff}, []byte("rest-of-ciphertext")...)
	nonce := make([]byte, 12)
	_, err = rand.Read(nonce)
	require.NoError(t, err)

	created.TOTPEnabled = true
	created.TOTPConfirmed = true
	created.TOTPSecretEnc = secret
	created.TOTPSecretNonce = nonce
	created.BackupCodeHashes = []string{"$2a$04$abcdefghijklmnopqrstuv", "$2a$04$vutsrqponmlkjihgfedcba"}

	saved, err := repo.Save(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, secret, saved.TOTPSecretEnc)

	loaded, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, loaded.TOTPEnabled)
	assert.True(t, loaded.TOTPConfirmed)
	assert.Equal(t, secret, loaded.TOTPSecretEnc)
	assert.Equal(t, nonce, loaded.TOTPSecretNonce)
	assert.Len(t, loaded.BackupCodeHashes, 2)
}

func TestRefreshTokenRepository_RotateConsumesOnce(t *testing.T) {
	db := sharedDB(t)
	ctx := context.Background()
	identityRepo := repositories.NewIdentityRepository(db.DB)
	tokenRepo := repositories.NewRefreshTokenRepository(db.DB)

	identity, err := SeedIdentity(ctx, identityRepo, "erin@example.com", "erin", "Correct-Horse-1!")
	require.NoError(t, err)

	oldID := uuid.New().String()
	now := time.Now()
	require.NoError(t, tokenRepo.Insert(ctx, &models.RefreshToken{
		ID:        oldID,
		UserID:    identity.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}))

	// Many rotations race on the same token; exactly one may consume it
	const racers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			next := &models.RefreshToken{
				ID:        uuid.New().String(),
				UserID:    identity.ID,
				IssuedAt:  time.Now(),
				ExpiresAt: time.Now().Add(time.Hour),
			}
			if err := tokenRepo.Rotate(ctx, oldID, next); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)

	old, err := tokenRepo.GetByID(ctx, oldID)
	require.NoError(t, err)
	assert.True(t, old.Revoked)
}

func TestRefreshTokenRepository_RevokeAllAndSweep(t *testing.T) {
	db := sharedDB(t)
	ctx := context.Background()
	identityRepo := repositories.NewIdentityRepository(db.DB)
	tokenRepo := repositories.NewRefreshTokenRepository(db.DB)

	identity, err := SeedIdentity(ctx, identityRepo, "frank@example.com", "frank", "Correct-Horse-1!")
	require.NoError(t, err)

	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, tokenRepo.Insert(ctx, &models.RefreshToken{
			ID:        uuid.New().String(),
			UserID:    identity.ID,
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Hour),
		}))
	}
	expiredID := uuid.New().String()
	require.NoError(t, tokenRepo.Insert(ctx, &models.RefreshToken{
		ID:        expiredID,
		UserID:    identity.ID,
		IssuedAt:  now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}))

	live, err := tokenRepo.CountLiveForUser(ctx, identity.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), live)

	revoked, err := tokenRepo.RevokeAllForUser(ctx, identity.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), revoked)

	deleted, err := tokenRepo.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = tokenRepo.GetByID(ctx, expiredID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestResetTokenRepository_SingleUse(t *testing.T) {
	db := sharedDB(t)
	ctx := context.Background()
	identityRepo := repositories.NewIdentityRepository(db.DB)
	resetRepo := repositories.NewResetTokenRepository(db.DB)

	identity, err := SeedIdentity(ctx, identityRepo, "grace@example.com", "grace", "Correct-Horse-1!")
	require.NoError(t, err)

	token := &models.PasswordResetToken{
		UserID:    identity.ID,
		TokenHash: "deadbeef",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, resetRepo.Create(ctx, token))

	found, err := resetRepo.GetByTokenHash(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, identity.ID, found.UserID)

	require.NoError(t, resetRepo.MarkUsed(ctx, found.ID))
	assert.ErrorIs(t, resetRepo.MarkUsed(ctx, found.ID), models.ErrNotFound)
}
