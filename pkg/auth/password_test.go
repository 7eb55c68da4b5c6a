package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasher_HashAndCompare(t *testing.T) {
	h := NewHasher(4) // minimum cost keeps tests fast

	hash, err := h.Hash("Str0ng!Pass")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	assert.True(t, h.Compare(hash, "Str0ng!Pass"))
	assert.False(t, h.Compare(hash, "wrong-password"))
}

func TestHasher_EmptyPlaintext(t *testing.T) {
	h := NewHasher(4)

	_, err := h.Hash("")
	assert.Error(t, err)
}

func TestHasher_SaltedPerCall(t *testing.T) {
	h := NewHasher(4)

	first, err := h.Hash("Str0ng!Pass")
	require.NoError(t, err)
	second, err := h.Hash("Str0ng!Pass")
	require.NoError(t, err)

	// Random salt: equality is only observable through Compare
	assert.NotEqual(t, first, second)
	assert.True(t, h.Compare(first, "Str0ng!Pass"))
	assert.True(t, h.Compare(second, "Str0ng!Pass"))
}

func TestHasher_InvalidCostFallsBack(t *testing.T) {
	h := NewHasher(99)
	assert.Equal(t, DefaultBcryptCost, h.cost)
}

func TestValidateStrength(t *testing.T) {
	tests := []struct {
		name       string
		password   string
		violations int
	}{
		{"valid", "Str0ng!Pass", 0},
		{"too short", "S0!a", 1},
		{"no uppercase", "weak1pass!", 1},
		{"no lowercase", "WEAK1PASS!", 1},
		{"no digit", "WeakPass!!", 1},
		{"no symbol", "WeakPass11", 1},
		{"everything wrong", "aaaaaaaa", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations := ValidateStrength(tt.password)
			assert.Len(t, violations, tt.violations)
		})
	}
}

func TestValidateStrength_ReportsAllViolationsTogether(t *testing.T) {
	// A short, all-lowercase password fails four independent rules at once
	violations := ValidateStrength("abc")
	assert.Len(t, violations, 4)
}

func TestHasher_IsReused(t *testing.T) {
	h := NewHasher(4)

	history := make([]string, 0, 3)
	for _, pw := range []string{"First!Pass1", "Second!Pass2", "Third!Pass3"} {
		hash, err := h.Hash(pw)
		require.NoError(t, err)
		history = append(history, hash)
	}

	assert.True(t, h.IsReused("Second!Pass2", history))
	assert.False(t, h.IsReused("Fresh!Pass9", history))
	assert.False(t, h.IsReused("Fresh!Pass9", nil))
}
