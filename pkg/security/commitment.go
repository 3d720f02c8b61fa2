package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
)

const nonceLength = 32

// CommitmentHash binds an observation value to a nonce. The hash is over
// the big-endian IEEE-754 bits of the value followed by the raw nonce
// bytes, so two validators observing the same value with different
// nonces produce unrelated commitments.
func CommitmentHash(value float64, nonce string) string {
	hasher := sha256.New()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(value))
	hasher.Write(buf[:])
	hasher.Write([]byte(nonce))

	return hex.EncodeToString(hasher.Sum(nil))
}

// VerifyCommitment checks a revealed (value, nonce) pair against a
// previously stored commitment hash.
func VerifyCommitment(hash string, value float64, nonce string) bool {
	expected := CommitmentHash(value, nonce)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(hash)) == 1
}

// NewNonce generates a cryptographically random reveal nonce
func NewNonce() (string, error) {
	buf := make([]byte, nonceLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
