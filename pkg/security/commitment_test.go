package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitmentHash(t *testing.T) {
	t.Run("Deterministic", func(t *testing.T) {
		a := CommitmentHash(100.5, "nonce-1")
		b := CommitmentHash(100.5, "nonce-1")
		assert.Equal(t, a, b)
		assert.Len(t, a, 64)
	})

	t.Run("NonceSensitive", func(t *testing.T) {
		assert.NotEqual(t,
			CommitmentHash(100.5, "nonce-1"),
			CommitmentHash(100.5, "nonce-2"))
	})

	t.Run("ValueSensitive", func(t *testing.T) {
		assert.NotEqual(t,
			CommitmentHash(100.5, "nonce-1"),
			CommitmentHash(100.6, "nonce-1"))
	})

	t.Run("SignSensitive", func(t *testing.T) {
		// +0.0 and -0.0 have distinct IEEE-754 bit patterns.
		assert.NotEqual(t,
			CommitmentHash(0.0, "nonce-1"),
			CommitmentHash(negZero(), "nonce-1"))
	})
}

func negZero() float64 {
	z := 0.0
	return -z
}

func TestVerifyCommitment(t *testing.T) {
	hash := CommitmentHash(42.0, "secret-nonce")

	assert.True(t, VerifyCommitment(hash, 42.0, "secret-nonce"))
	assert.False(t, VerifyCommitment(hash, 42.1, "secret-nonce"))
	assert.False(t, VerifyCommitment(hash, 42.0, "wrong-nonce"))
	assert.False(t, VerifyCommitment("not-a-hash", 42.0, "secret-nonce"))
}

func TestNewNonce(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		nonce, err := NewNonce()
		require.NoError(t, err)
		assert.Len(t, nonce, nonceLength*2)
		assert.False(t, seen[nonce], "nonce collision")
		seen[nonce] = true
	}
}
