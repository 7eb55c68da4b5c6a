package services

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/averyhill/strongbox/internal/models"
	pkglogger "github.com/averyhill/strongbox/pkg/logger"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAuditLogger() *pkglogger.AuditLogger {
	return pkglogger.NewAuditLogger(testLogger())
}

// MockIdentityStore implements IdentityStore for testing
type MockIdentityStore struct {
	GetByIDFunc         func(ctx context.Context, id string) (*models.Identity, error)
	GetByIdentifierFunc func(ctx context.Context, identifier string) (*models.Identity, error)
	CreateFunc          func(ctx context.Context, identity *models.Identity) (*models.Identity, error)
	SaveFunc            func(ctx context.Context, identity *models.Identity) (*models.Identity, error)
}

func (m *MockIdentityStore) GetByID(ctx context.Context, id string) (*models.Identity, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockIdentityStore) GetByIdentifier(ctx context.Context, identifier string) (*models.Identity, error) {
	if m.GetByIdentifierFunc != nil {
		return m.GetByIdentifierFunc(ctx, identifier)
	}
	return nil, models.ErrNotFound
}

func (m *MockIdentityStore) Create(ctx context.Context, identity *models.Identity) (*models.Identity, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, identity)
	}
	return nil, models.ErrInternalServer
}

func (m *MockIdentityStore) Save(ctx context.Context, identity *models.Identity) (*models.Identity, error) {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, identity)
	}
	return identity, nil
}

// MockResetTokenStore implements ResetTokenStore for testing
type MockResetTokenStore struct {
	CreateFunc         func(ctx context.Context, token *models.PasswordResetToken) error
	GetByTokenHashFunc func(ctx context.Context, tokenHash string) (*models.PasswordResetToken, error)
	MarkUsedFunc       func(ctx context.Context, id string) error
	DeleteExpiredFunc  func(ctx context.Context, before time.Time) (int64, error)
}

func (m *MockResetTokenStore) Create(ctx context.Context, token *models.PasswordResetToken) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, token)
	}
	return nil
}

func (m *MockResetTokenStore) GetByTokenHash(ctx context.Context, tokenHash string) (*models.PasswordResetToken, error) {
	if m.GetByTokenHashFunc != nil {
		return m.GetByTokenHashFunc(ctx, tokenHash)
	}
	return nil, models.ErrNotFound
}

func (m *MockResetTokenStore) MarkUsed(ctx context.Context, id string) error {
	if m.MarkUsedFunc != nil {
		return m.MarkUsedFunc(ctx, id)
	}
	return nil
}

func (m *MockResetTokenStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	if m.DeleteExpiredFunc != nil {
		return m.DeleteExpiredFunc(ctx, before)
	}
	return 0, nil
}

// MockResetMailer implements ResetMailer for testing
type MockResetMailer struct {
	SendResetTokenFunc func(ctx context.Context, email, token string, expiresAt time.Time) error
}

func (m *MockResetMailer) SendResetToken(ctx context.Context, email, token string, expiresAt time.Time) error {
	if m.SendResetTokenFunc != nil {
		return m.SendResetTokenFunc(ctx, email, token, expiresAt)
	}
	return nil
}

// MockCodeSender implements CodeSender for testing
type MockCodeSender struct {
	SendLoginCodeFunc func(ctx context.Context, identity *models.Identity, method, code string) error
}

func (m *MockCodeSender) SendLoginCode(ctx context.Context, identity *models.Identity, method, code string) error {
	if m.SendLoginCodeFunc != nil {
		return m.SendLoginCodeFunc(ctx, identity, method, code)
	}
	return nil
}

// MockTokenIssuer implements TokenIssuer for testing
type MockTokenIssuer struct {
	IssuePairFunc func(ctx context.Context, identity *models.Identity) (*models.TokenPair, error)
}

func (m *MockTokenIssuer) IssuePair(ctx context.Context, identity *models.Identity) (*models.TokenPair, error) {
	if m.IssuePairFunc != nil {
		return m.IssuePairFunc(ctx, identity)
	}
	return &models.TokenPair{AccessToken: "access", RefreshToken: "refresh", ExpiresIn: 900}, nil
}

// fakeRefreshTokenStore is an in-memory RefreshTokenStore with the same
// compare-and-swap rotation semantics as the Postgres implementation. Safe
// for concurrent use so races can be exercised in tests.
type fakeRefreshTokenStore struct {
	mu      sync.Mutex
	records map[string]*models.RefreshToken
}

func newFakeRefreshTokenStore() *fakeRefreshTokenStore {
	return &fakeRefreshTokenStore{records: make(map[string]*models.RefreshToken)}
}

func (f *fakeRefreshTokenStore) Insert(ctx context.Context, token *models.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.records[token.ID]; exists {
		return models.ErrConflict
	}
	copied := *token
	f.records[token.ID] = &copied
	return nil
}

func (f *fakeRefreshTokenStore) GetByID(ctx context.Context, id string) (*models.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	record, ok := f.records[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (f *fakeRefreshTokenStore) Rotate(ctx context.Context, oldID string, next *models.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	old, ok := f.records[oldID]
	if !ok || old.Revoked {
		return models.ErrTokenRevoked
	}

	now := time.Now()
	old.Revoked = true
	old.RevokedAt = &now

	copied := *next
	f.records[next.ID] = &copied
	return nil
}

func (f *fakeRefreshTokenStore) Revoke(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if record, ok := f.records[id]; ok && !record.Revoked {
		now := time.Now()
		record.Revoked = true
		record.RevokedAt = &now
	}
	return nil
}

func (f *fakeRefreshTokenStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var count int64
	now := time.Now()
	for _, record := range f.records {
		if record.UserID == userID && !record.Revoked {
			record.Revoked = true
			record.RevokedAt = &now
			count++
		}
	}
	return count, nil
}

func (f *fakeRefreshTokenStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var count int64
	for id, record := range f.records {
		if record.ExpiresAt.Before(before) {
			delete(f.records, id)
			count++
		}
	}
	return count, nil
}

// fakeIdentityStore is an in-memory IdentityStore enforcing the same
// optimistic version check as the Postgres implementation.
type fakeIdentityStore struct {
	mu         sync.Mutex
	identities map[string]*models.Identity
}

func newFakeIdentityStore() *fakeIdentityStore {
	return &fakeIdentityStore{identities: make(map[string]*models.Identity)}
}

func (f *fakeIdentityStore) put(identity *models.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if identity.Version == 0 {
		identity.Version = 1
	}
	copied := cloneIdentity(identity)
	f.identities[identity.ID] = copied
}

func (f *fakeIdentityStore) GetByID(ctx context.Context, id string) (*models.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	identity, ok := f.identities[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneIdentity(identity), nil
}

func (f *fakeIdentityStore) GetByIdentifier(ctx context.Context, identifier string) (*models.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, identity := range f.identities {
		if identity.Email == identifier || identity.Username == identifier {
			return cloneIdentity(identity), nil
		}
	}
	return nil, models.ErrNotFound
}

func (f *fakeIdentityStore) Create(ctx context.Context, identity *models.Identity) (*models.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.identities {
		if existing.Email == identity.Email || existing.Username == identity.Username {
			return nil, models.ErrConflict
		}
	}

	if identity.ID == "" {
		identity.ID = "id-" + identity.Username
	}
	identity.Version = 1
	if identity.Status == "" {
		identity.Status = models.StatusActive
	}
	f.identities[identity.ID] = cloneIdentity(identity)
	return cloneIdentity(identity), nil
}

func (f *fakeIdentityStore) Save(ctx context.Context, identity *models.Identity) (*models.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stored, ok := f.identities[identity.ID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if stored.Version != identity.Version {
		return nil, models.ErrVersionConflict
	}

	updated := cloneIdentity(identity)
	updated.Version++
	f.identities[identity.ID] = updated
	return cloneIdentity(updated), nil
}

func cloneIdentity(identity *models.Identity) *models.Identity {
	copied := *identity
	copied.PasswordHistory = append([]string(nil), identity.PasswordHistory...)
	copied.BackupCodeHashes = append([]string(nil), identity.BackupCodeHashes...)
	copied.TOTPSecretEnc = append([]byte(nil), identity.TOTPSecretEnc...)
	copied.TOTPSecretNonce = append([]byte(nil), identity.TOTPSecretNonce...)
	return &copied
}
