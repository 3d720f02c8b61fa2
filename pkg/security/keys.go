package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Key derivation parameters
	pbkdfIterations = 100000
	saltLength      = 32
	keyLength       = 32

	tokenIssuer = "oracle_consensus"
)

// DeriveKey derives an encryption key from a passphrase
func DeriveKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, pbkdfIterations, keyLength, sha256.New)
}

// SaveKeyFile encrypts a signing key with a passphrase-derived key and
// writes it to disk. Layout: salt || nonce || ciphertext.
func SaveKeyFile(path string, key, passphrase []byte) error {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	gcm, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	blob := append(salt, gcm.Seal(nonce, nonce, key, nil)...)
	if err := os.WriteFile(path, blob, 0600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

// LoadKeyFile reads and decrypts a signing key written by SaveKeyFile
func LoadKeyFile(path string, passphrase []byte) ([]byte, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	if len(blob) < saltLength {
		return nil, fmt.Errorf("key file too short")
	}

	salt, rest := blob[:saltLength], blob[saltLength:]
	gcm, err := newGCM(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return nil, fmt.Errorf("key file too short")
	}

	key, err := gcm.Open(nil, rest[:nonceSize], rest[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting key file: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// EnrollmentClaims are the JWT claims carried by validator submissions
type EnrollmentClaims struct {
	ValidatorID string `json:"validator_id"`
	jwt.RegisteredClaims
}

// TokenIssuer issues and validates validator enrollment tokens.
// Submissions arriving over the network must carry a valid token for
// the claimed validator identity.
type TokenIssuer struct {
	secret []byte
	expiry time.Duration
}

// NewTokenIssuer creates a token issuer with the given HMAC secret
func NewTokenIssuer(secret []byte, expiry time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token secret cannot be empty")
	}
	if expiry <= 0 {
		return nil, fmt.Errorf("token expiry must be positive")
	}
	return &TokenIssuer{secret: secret, expiry: expiry}, nil
}

// Issue creates a signed enrollment token for a validator
func (ti *TokenIssuer) Issue(validatorID string) (string, error) {
	now := time.Now()
	claims := EnrollmentClaims{
		ValidatorID: validatorID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Validate parses an enrollment token and returns the validator identity
func (ti *TokenIssuer) Validate(tokenString string) (string, error) {
	claims := &EnrollmentClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ti.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	if claims.Issuer != tokenIssuer {
		return "", fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if claims.ValidatorID == "" {
		return "", fmt.Errorf("token missing validator identity")
	}
	return claims.ValidatorID, nil
}
