package services

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/averyhill/strongbox/internal/auth"
	"github.com/averyhill/strongbox/internal/cache"
	"github.com/averyhill/strongbox/internal/config"
	"github.com/averyhill/strongbox/internal/models"
	pkgauth "github.com/averyhill/strongbox/pkg/auth"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type twoFactorFixture struct {
	svc        *TwoFactorService
	identities *fakeIdentityStore
	sender     *MockCodeSender
	issuer     *MockTokenIssuer
	challenges *LoginChallenges
	mr         *miniredis.Miniredis
}

func newTwoFactorFixture(t *testing.T) *twoFactorFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	totpManager, err := auth.NewTOTPManager(key, "Strongbox")
	require.NoError(t, err)

	identities := newFakeIdentityStore()
	sender := &MockCodeSender{}
	issuer := &MockTokenIssuer{}
	store := cache.NewRedisStore(client)
	challenges := NewLoginChallenges(store, 5*time.Minute)

	svc := NewTwoFactorService(
		identities,
		store,
		totpManager,
		pkgauth.NewHasher(testBcryptCost),
		sender,
		issuer,
		challenges,
		config.SecondFactorConfig{
			CodeTTL:          10 * time.Minute,
			FailureWindow:    time.Hour,
			FailureThreshold: 5,
			BackupCodeCount:  10,
		},
		testLogger(),
		testAuditLogger(),
	)

	return &twoFactorFixture{
		svc:        svc,
		identities: identities,
		sender:     sender,
		issuer:     issuer,
		challenges: challenges,
		mr:         mr,
	}
}

// beginLogin stands in for a password-verified login by issuing the pending
// challenge the verification endpoints require.
func (f *twoFactorFixture) beginLogin(t *testing.T, userID string) string {
	t.Helper()

	challenge, err := f.challenges.Issue(context.Background(), userID)
	require.NoError(t, err)
	return challenge
}

func (f *twoFactorFixture) seedIdentity(t *testing.T) *models.Identity {
	t.Helper()

	identity := &models.Identity{
		ID:       "user-1",
		Email:    "user@example.com",
		Username: "user1",
		Role:     "user",
		Status:   models.StatusActive,
	}
	f.identities.put(identity)
	return identity
}

func currentTOTPCode(t *testing.T, secret string) string {
	t.Helper()

	code, err := totp.GenerateCodeCustom(secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

// enrollAndConfirm runs the full TOTP enrollment and returns the plaintext
// secret and backup codes.
func (f *twoFactorFixture) enrollAndConfirm(t *testing.T, userID string) (string, []string) {
	t.Helper()

	enrollment, err := f.svc.EnrollTOTP(context.Background(), userID)
	require.NoError(t, err)

	codes, err := f.svc.ConfirmTOTP(context.Background(), userID, currentTOTPCode(t, enrollment.Secret))
	require.NoError(t, err)
	return enrollment.Secret, codes
}

func TestTwoFactorService_EnrollAndConfirmTOTP(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)

	enrollment, err := f.svc.EnrollTOTP(context.Background(), identity.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.Secret)
	assert.NotEmpty(t, enrollment.QRDataURL)

	// Pending enrollment is stored but not yet confirmed
	stored, err := f.identities.GetByID(context.Background(), identity.ID)
	require.NoError(t, err)
	assert.True(t, stored.TOTPEnabled)
	assert.False(t, stored.TOTPConfirmed)

	codes, err := f.svc.ConfirmTOTP(context.Background(), identity.ID, currentTOTPCode(t, enrollment.Secret))
	require.NoError(t, err)
	assert.Len(t, codes, 10)

	stored, err = f.identities.GetByID(context.Background(), identity.ID)
	require.NoError(t, err)
	assert.True(t, stored.TOTPConfirmed)
	assert.Len(t, stored.BackupCodeHashes, 10)
	for i, hash := range stored.BackupCodeHashes {
		assert.NotEqual(t, codes[i], hash)
	}
}

func TestTwoFactorService_ConfirmTOTP_WrongCode(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)

	_, err := f.svc.EnrollTOTP(context.Background(), identity.ID)
	require.NoError(t, err)

	_, err = f.svc.ConfirmTOTP(context.Background(), identity.ID, "000000")
	assert.ErrorIs(t, err, models.ErrSecondFactorInvalid)
}

func TestTwoFactorService_ReEnrollReplacesPendingSecret(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)

	first, err := f.svc.EnrollTOTP(context.Background(), identity.ID)
	require.NoError(t, err)

	second, err := f.svc.EnrollTOTP(context.Background(), identity.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.Secret, second.Secret)

	// Only the latest secret confirms
	_, err = f.svc.ConfirmTOTP(context.Background(), identity.ID, currentTOTPCode(t, first.Secret))
	assert.ErrorIs(t, err, models.ErrSecondFactorInvalid)

	_, err = f.svc.ConfirmTOTP(context.Background(), identity.ID, currentTOTPCode(t, second.Secret))
	assert.NoError(t, err)
}

func TestTwoFactorService_EnrollTOTP_AlreadyConfirmed(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)
	f.enrollAndConfirm(t, identity.ID)

	_, err := f.svc.EnrollTOTP(context.Background(), identity.ID)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestTwoFactorService_Verify_TOTP(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)
	secret, _ := f.enrollAndConfirm(t, identity.ID)

	challenge := f.beginLogin(t, identity.ID)
	pair, err := f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, currentTOTPCode(t, secret), challenge)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
}

func TestTwoFactorService_Verify_RequiresPendingLogin(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)
	secret, _ := f.enrollAndConfirm(t, identity.ID)

	issued := false
	f.issuer.IssuePairFunc = func(ctx context.Context, id *models.Identity) (*models.TokenPair, error) {
		issued = true
		return &models.TokenPair{AccessToken: "access", RefreshToken: "refresh", ExpiresIn: 900}, nil
	}

	// A valid code without a password-verified login mints nothing
	pair, err := f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, currentTOTPCode(t, secret), "made-up")
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
	assert.Nil(t, pair)
	assert.False(t, issued)
}

func TestTwoFactorService_Verify_ChallengeSingleUse(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)
	secret, _ := f.enrollAndConfirm(t, identity.ID)

	challenge := f.beginLogin(t, identity.ID)
	_, err := f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, currentTOTPCode(t, secret), challenge)
	require.NoError(t, err)

	// The consumed challenge cannot start a second session
	_, err = f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, currentTOTPCode(t, secret), challenge)
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
}

func TestTwoFactorService_Verify_WrongCodeKeepsChallenge(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)
	secret, _ := f.enrollAndConfirm(t, identity.ID)

	challenge := f.beginLogin(t, identity.ID)
	_, err := f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, "000000", challenge)
	assert.ErrorIs(t, err, models.ErrSecondFactorInvalid)

	// A retry with the right code still completes the same pending login
	_, err = f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, currentTOTPCode(t, secret), challenge)
	assert.NoError(t, err)
}

func TestTwoFactorService_Verify_BackupCodeSingleUse(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)
	_, codes := f.enrollAndConfirm(t, identity.ID)

	challenge := f.beginLogin(t, identity.ID)
	pair, err := f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, codes[0], challenge)
	require.NoError(t, err)
	assert.NotNil(t, pair)

	stored, err := f.identities.GetByID(context.Background(), identity.ID)
	require.NoError(t, err)
	assert.Len(t, stored.BackupCodeHashes, 9)

	// The consumed code no longer works
	challenge = f.beginLogin(t, identity.ID)
	_, err = f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, codes[0], challenge)
	assert.ErrorIs(t, err, models.ErrSecondFactorInvalid)
}

func TestTwoFactorService_ChannelCodeFlow(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)

	var sentCode string
	f.sender.SendLoginCodeFunc = func(ctx context.Context, id *models.Identity, method, code string) error {
		sentCode = code
		return nil
	}

	challenge := f.beginLogin(t, identity.ID)
	require.NoError(t, f.svc.SendChannelCode(context.Background(), identity.ID, models.SecondFactorEmail, challenge))
	require.Len(t, sentCode, 6)

	pair, err := f.svc.Verify(context.Background(), identity.ID, models.SecondFactorEmail, sentCode, challenge)
	require.NoError(t, err)
	assert.NotNil(t, pair)

	// The code was consumed by the successful verification
	challenge = f.beginLogin(t, identity.ID)
	_, err = f.svc.Verify(context.Background(), identity.ID, models.SecondFactorEmail, sentCode, challenge)
	assert.ErrorIs(t, err, models.ErrSecondFactorInvalid)
}

func TestTwoFactorService_SendChannelCode_RequiresPendingLogin(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)

	sent := false
	f.sender.SendLoginCodeFunc = func(ctx context.Context, id *models.Identity, method, code string) error {
		sent = true
		return nil
	}

	err := f.svc.SendChannelCode(context.Background(), identity.ID, models.SecondFactorEmail, "made-up")
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
	assert.False(t, sent)
}

func TestTwoFactorService_ChannelCodeExpires(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)

	var sentCode string
	f.sender.SendLoginCodeFunc = func(ctx context.Context, id *models.Identity, method, code string) error {
		sentCode = code
		return nil
	}

	challenge := f.beginLogin(t, identity.ID)
	require.NoError(t, f.svc.SendChannelCode(context.Background(), identity.ID, models.SecondFactorEmail, challenge))
	f.mr.FastForward(11 * time.Minute)

	// A fresh login whose previous code has expired
	challenge = f.beginLogin(t, identity.ID)
	_, err := f.svc.Verify(context.Background(), identity.ID, models.SecondFactorEmail, sentCode, challenge)
	assert.ErrorIs(t, err, models.ErrSecondFactorInvalid)

	// An expired code is absence, not a guess; the method does not edge
	// toward its lockout
	locked, err := f.svc.IsLocked(context.Background(), identity.ID, models.SecondFactorEmail)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestTwoFactorService_MissingCodeNeverLocksMethod(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)
	challenge := f.beginLogin(t, identity.ID)

	// Repeated verifies with no code ever sent stay plain invalid; only
	// guesses against a live code feed the failure counter
	for i := 0; i < 6; i++ {
		_, err := f.svc.Verify(context.Background(), identity.ID, models.SecondFactorEmail, "123456", challenge)
		assert.ErrorIs(t, err, models.ErrSecondFactorInvalid)
	}

	locked, err := f.svc.IsLocked(context.Background(), identity.ID, models.SecondFactorEmail)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestTwoFactorService_ResendReplacesCode(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)

	var sent []string
	f.sender.SendLoginCodeFunc = func(ctx context.Context, id *models.Identity, method, code string) error {
		sent = append(sent, code)
		return nil
	}

	challenge := f.beginLogin(t, identity.ID)
	require.NoError(t, f.svc.SendChannelCode(context.Background(), identity.ID, models.SecondFactorEmail, challenge))
	require.NoError(t, f.svc.SendChannelCode(context.Background(), identity.ID, models.SecondFactorEmail, challenge))
	require.Len(t, sent, 2)

	if sent[0] != sent[1] {
		// The first code is superseded
		_, err := f.svc.Verify(context.Background(), identity.ID, models.SecondFactorEmail, sent[0], challenge)
		assert.ErrorIs(t, err, models.ErrSecondFactorInvalid)
	}

	_, err := f.svc.Verify(context.Background(), identity.ID, models.SecondFactorEmail, sent[1], challenge)
	assert.NoError(t, err)
}

func TestTwoFactorService_FailureLockout(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)
	secret, _ := f.enrollAndConfirm(t, identity.ID)
	challenge := f.beginLogin(t, identity.ID)

	// Four wrong codes: invalid. The fifth locks the method.
	for i := 0; i < 4; i++ {
		_, err := f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, "000000", challenge)
		assert.ErrorIs(t, err, models.ErrSecondFactorInvalid)
	}
	_, err := f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, "000000", challenge)
	assert.ErrorIs(t, err, models.ErrSecondFactorLocked)

	// Even a valid code is refused while locked
	_, err = f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, currentTOTPCode(t, secret), challenge)
	assert.ErrorIs(t, err, models.ErrSecondFactorLocked)
}

func TestTwoFactorService_LockIsPerMethod(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)
	f.enrollAndConfirm(t, identity.ID)
	challenge := f.beginLogin(t, identity.ID)

	for i := 0; i < 5; i++ {
		_, _ = f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, "000000", challenge)
	}

	locked, err := f.svc.IsLocked(context.Background(), identity.ID, models.SecondFactorTOTP)
	require.NoError(t, err)
	assert.True(t, locked)

	// The email method is unaffected
	locked, err = f.svc.IsLocked(context.Background(), identity.ID, models.SecondFactorEmail)
	require.NoError(t, err)
	assert.False(t, locked)

	var sentCode string
	f.sender.SendLoginCodeFunc = func(ctx context.Context, id *models.Identity, method, code string) error {
		sentCode = code
		return nil
	}
	require.NoError(t, f.svc.SendChannelCode(context.Background(), identity.ID, models.SecondFactorEmail, challenge))

	_, err = f.svc.Verify(context.Background(), identity.ID, models.SecondFactorEmail, sentCode, challenge)
	assert.NoError(t, err)
}

func TestTwoFactorService_LockExpiresWithWindow(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)
	secret, _ := f.enrollAndConfirm(t, identity.ID)
	challenge := f.beginLogin(t, identity.ID)

	for i := 0; i < 5; i++ {
		_, _ = f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, "000000", challenge)
	}

	f.mr.FastForward(61 * time.Minute)

	// A fresh login after the window expires succeeds with a valid code
	challenge = f.beginLogin(t, identity.ID)
	_, err := f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, currentTOTPCode(t, secret), challenge)
	assert.NoError(t, err)
}

func TestTwoFactorService_SuccessClearsFailureCounter(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)
	secret, _ := f.enrollAndConfirm(t, identity.ID)
	challenge := f.beginLogin(t, identity.ID)

	for i := 0; i < 3; i++ {
		_, _ = f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, "000000", challenge)
	}

	_, err := f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, currentTOTPCode(t, secret), challenge)
	require.NoError(t, err)

	// Counter starts over
	challenge = f.beginLogin(t, identity.ID)
	for i := 0; i < 4; i++ {
		_, err := f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, "000000", challenge)
		assert.ErrorIs(t, err, models.ErrSecondFactorInvalid)
	}
}

func TestTwoFactorService_ResetFailuresUnlocks(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)
	secret, _ := f.enrollAndConfirm(t, identity.ID)
	challenge := f.beginLogin(t, identity.ID)

	for i := 0; i < 5; i++ {
		_, _ = f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, "000000", challenge)
	}

	require.NoError(t, f.svc.ResetFailures(context.Background(), identity.ID, models.SecondFactorTOTP))

	_, err := f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, currentTOTPCode(t, secret), challenge)
	assert.NoError(t, err)
}

func TestTwoFactorService_CacheDownFailsClosed(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)
	secret, _ := f.enrollAndConfirm(t, identity.ID)
	challenge := f.beginLogin(t, identity.ID)

	f.mr.Close()

	_, err := f.svc.Verify(context.Background(), identity.ID, models.SecondFactorTOTP, currentTOTPCode(t, secret), challenge)
	assert.ErrorIs(t, err, models.ErrServiceUnavailable)
}

func TestTwoFactorService_DisableTOTP(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)
	secret, _ := f.enrollAndConfirm(t, identity.ID)

	require.NoError(t, f.svc.DisableTOTP(context.Background(), identity.ID, currentTOTPCode(t, secret)))

	stored, err := f.identities.GetByID(context.Background(), identity.ID)
	require.NoError(t, err)
	assert.False(t, stored.TOTPEnabled)
	assert.False(t, stored.TOTPConfirmed)
	assert.Empty(t, stored.TOTPSecretEnc)
	assert.Empty(t, stored.BackupCodeHashes)
}

func TestTwoFactorService_DisableTOTP_WrongCode(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)
	f.enrollAndConfirm(t, identity.ID)

	err := f.svc.DisableTOTP(context.Background(), identity.ID, "000000")
	assert.ErrorIs(t, err, models.ErrSecondFactorInvalid)
}

func TestTwoFactorService_SendChannelCode_UnknownMethod(t *testing.T) {
	f := newTwoFactorFixture(t)
	identity := f.seedIdentity(t)

	err := f.svc.SendChannelCode(context.Background(), identity.ID, "carrier-pigeon", f.beginLogin(t, identity.ID))
	assert.ErrorIs(t, err, models.ErrBadRequest)
}
