package signer

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"

	blst "github.com/supranational/blst/bindings/go"
)

const (
	// PublicKeySize is the size of a compressed BLS public key in bytes
	PublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature in bytes
	SignatureSize = 96

	minSeedLength = 32
)

// dst is the domain separation tag for BLS signatures (BLS12-381 G2,
// standard ciphersuite).
var dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// KeyPair holds a validator's BLS signing key pair
type KeyPair struct {
	secret *blst.SecretKey
	public *blst.P1Affine
}

// GenerateKey creates a new BLS key pair from a random seed
func GenerateKey() (*KeyPair, error) {
	var ikm [minSeedLength]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generating random seed: %w", err)
	}
	return KeyFromSeed(ikm[:])
}

// KeyFromSeed creates a BLS key pair from a deterministic seed of at
// least 32 bytes.
func KeyFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < minSeedLength {
		return nil, fmt.Errorf("seed must be at least %d bytes", minSeedLength)
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &KeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// Sign produces a partial signature over the message
func (k *KeyPair) Sign(message []byte) []byte {
	sig := new(blst.P2Affine).Sign(k.secret, message, dst)
	return sig.Compress()
}

// PublicKey returns the compressed public key bytes
func (k *KeyPair) PublicKey() []byte {
	return k.public.Compress()
}

// Seed exports the secret key bytes for encrypted storage
func (k *KeyPair) Seed() []byte {
	return k.secret.Serialize()
}

// KeyFromSecret restores a key pair from serialized secret key bytes
func KeyFromSecret(secretBytes []byte) (*KeyPair, error) {
	secret := new(blst.SecretKey).Deserialize(secretBytes)
	if secret == nil {
		return nil, fmt.Errorf("invalid secret key bytes")
	}
	return &KeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// Verify checks a partial signature against a message and public key
func Verify(signature, message, publicKey []byte) bool {
	if len(signature) != SignatureSize || len(publicKey) != PublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}
	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, dst)
}

// Combine aggregates partial signatures over the same message into one
// combined signature. Aggregation is commutative: the result does not
// depend on input order.
func Combine(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, fmt.Errorf("no signatures to combine")
	}

	sigs := make([]*blst.P2Affine, len(signatures))
	for i, sigBytes := range signatures {
		if len(sigBytes) != SignatureSize {
			return nil, fmt.Errorf("invalid signature size at index %d", i)
		}
		sig := new(blst.P2Affine).Uncompress(sigBytes)
		if sig == nil {
			return nil, fmt.Errorf("invalid signature at index %d", i)
		}
		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("signature aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// VerifyCombined verifies a combined signature against the aggregated
// public key of the signer set. The on-chain verification contract needs
// only the message, the combined signature and the signers' known keys.
func VerifyCombined(signature, message []byte, publicKeys [][]byte) bool {
	if len(signature) != SignatureSize || len(publicKeys) == 0 {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pks := make([]*blst.P1Affine, len(publicKeys))
	for i, pkBytes := range publicKeys {
		if len(pkBytes) != PublicKeySize {
			return false
		}
		pk := new(blst.P1Affine).Uncompress(pkBytes)
		if pk == nil {
			return false
		}
		pks[i] = pk
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(pks, true) {
		return false
	}

	return sig.Verify(true, aggPk.ToAffine(), true, message, dst)
}

// CanonicalMessage is the unique byte encoding of the signed triple.
// Fields are length-prefixed so no two distinct triples share an
// encoding; the value is encoded as its big-endian IEEE-754 bits.
func CanonicalMessage(feedID, roundID string, value float64) []byte {
	buf := make([]byte, 0, 8+len(feedID)+len(roundID)+8)

	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(feedID)))
	buf = append(buf, n[:]...)
	buf = append(buf, feedID...)

	binary.BigEndian.PutUint32(n[:], uint32(len(roundID)))
	buf = append(buf, n[:]...)
	buf = append(buf, roundID...)

	var v [8]byte
	binary.BigEndian.PutUint64(v[:], math.Float64bits(value))
	buf = append(buf, v[:]...)

	return buf
}

// SignerBitmap encodes which validator indices contributed to a
// combined signature.
func SignerBitmap(indices []int, total int) []byte {
	bitmap := make([]byte, (total+7)/8)
	for _, idx := range indices {
		if idx >= 0 && idx < total {
			bitmap[idx/8] |= 1 << (idx % 8)
		}
	}
	return bitmap
}

// BitmapIndices extracts the validator indices set in a bitmap
func BitmapIndices(bitmap []byte) []int {
	var indices []int
	for byteIdx, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				indices = append(indices, byteIdx*8+bit)
			}
		}
	}
	return indices
}
