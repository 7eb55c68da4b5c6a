package auth

import (
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTOTPManager(t *testing.T) *TOTPManager {
	t.Helper()

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	tm, err := NewTOTPManager(key, "Strongbox")
	require.NoError(t, err)
	return tm
}

func TestTOTPManager_NewTOTPManager_InvalidKeyLength(t *testing.T) {
	for _, length := range []int{0, 16, 24, 31, 33, 64} {
		key := make([]byte, length)
		tm, err := NewTOTPManager(key, "Strongbox")
		assert.Error(t, err)
		assert.Nil(t, tm)
	}
}

func TestTOTPManager_GenerateEnrollment(t *testing.T) {
	tm := newTestTOTPManager(t)

	enrollment, err := tm.GenerateEnrollment("user@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.EncryptedSecret)
	assert.Len(t, enrollment.Nonce, 12)
	assert.NotEmpty(t, enrollment.Secret)
	assert.Contains(t, enrollment.QRDataURL, "data:image/png;base64,")

	pngData, err := base64.StdEncoding.DecodeString(enrollment.QRDataURL[len("data:image/png;base64,"):])
	require.NoError(t, err)
	// PNG signature
	assert.Equal(t, []byte{137, 80, 78, 71}, pngData[:4])

	// The stored ciphertext must round-trip back to the displayed secret
	decrypted, err := tm.DecryptSecret(enrollment.EncryptedSecret, enrollment.Nonce)
	require.NoError(t, err)
	assert.Equal(t, enrollment.Secret, string(decrypted))
}

func TestTOTPManager_EncryptDecrypt_RoundTrip(t *testing.T) {
	tm := newTestTOTPManager(t)

	original := []byte("test_secret_value_for_encryption")

	encrypted, nonce, err := tm.EncryptSecret(original)
	require.NoError(t, err)

	decrypted, err := tm.DecryptSecret(encrypted, nonce)
	require.NoError(t, err)
	assert.Equal(t, original, decrypted)
}

func TestTOTPManager_DecryptSecret_TamperedCiphertext(t *testing.T) {
	tm := newTestTOTPManager(t)

	encrypted, nonce, err := tm.EncryptSecret([]byte("test_secret_value"))
	require.NoError(t, err)

	encrypted[0] ^= 0xFF

	decrypted, err := tm.DecryptSecret(encrypted, nonce)
	assert.Error(t, err)
	assert.Nil(t, decrypted)
}

func TestTOTPManager_ValidateCode_DriftWindow(t *testing.T) {
	tm := newTestTOTPManager(t)

	enrollment, err := tm.GenerateEnrollment("user@example.com")
	require.NoError(t, err)

	genOpts := totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}

	tests := []struct {
		name   string
		offset time.Duration
		want   bool
	}{
		{"current step", 0, true},
		{"one step behind", -30 * time.Second, true},
		{"two steps behind", -60 * time.Second, true},
		{"one step ahead", 30 * time.Second, true},
		{"two steps ahead", 60 * time.Second, true},
		{"three steps behind", -90 * time.Second, false},
		{"three steps ahead", 90 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := totp.GenerateCodeCustom(enrollment.Secret, time.Now().Add(tt.offset), genOpts)
			require.NoError(t, err)

			valid, err := tm.ValidateCode(enrollment.EncryptedSecret, enrollment.Nonce, code)
			require.NoError(t, err)
			assert.Equal(t, tt.want, valid)
		})
	}
}

func TestTOTPManager_ValidateCode_InvalidCode(t *testing.T) {
	tm := newTestTOTPManager(t)

	enrollment, err := tm.GenerateEnrollment("user@example.com")
	require.NoError(t, err)

	valid, err := tm.ValidateCode(enrollment.EncryptedSecret, enrollment.Nonce, "000000")
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestTOTPManager_GenerateBackupCodes(t *testing.T) {
	tm := newTestTOTPManager(t)

	codes, err := tm.GenerateBackupCodes(10)
	require.NoError(t, err)
	require.Len(t, codes, 10)

	const validCharset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
	seen := make(map[string]bool)
	for _, code := range codes {
		assert.Len(t, code, 8)
		assert.False(t, seen[code], "duplicate code found: %s", code)
		seen[code] = true
		for _, ch := range code {
			assert.Contains(t, validCharset, string(ch))
		}
	}
}
