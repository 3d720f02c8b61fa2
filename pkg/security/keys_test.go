package security

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	require.NoError(t, SaveKeyFile(path, key, []byte("correct horse")))

	loaded, err := LoadKeyFile(path, []byte("correct horse"))
	require.NoError(t, err)
	assert.Equal(t, key, loaded)
}

func TestKeyFileWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	require.NoError(t, SaveKeyFile(path, []byte("secret-key-material-0123456789ab"), []byte("right")))

	_, err := LoadKeyFile(path, []byte("wrong"))
	assert.Error(t, err)
}

func TestKeyFileMissingOrTruncated(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadKeyFile(filepath.Join(dir, "absent.key"), []byte("pw"))
	assert.Error(t, err)

	short := filepath.Join(dir, "short.key")
	require.NoError(t, os.WriteFile(short, []byte("too short"), 0600))
	_, err = LoadKeyFile(short, []byte("pw"))
	assert.Error(t, err)
}

func TestTokenIssuer(t *testing.T) {
	issuer, err := NewTokenIssuer([]byte("test-hmac-secret"), time.Minute)
	require.NoError(t, err)

	t.Run("IssueAndValidate", func(t *testing.T) {
		token, err := issuer.Issue("v1")
		require.NoError(t, err)

		id, err := issuer.Validate(token)
		require.NoError(t, err)
		assert.Equal(t, "v1", id)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		other, err := NewTokenIssuer([]byte("another-secret"), time.Minute)
		require.NoError(t, err)

		token, err := other.Issue("v1")
		require.NoError(t, err)

		_, err = issuer.Validate(token)
		assert.Error(t, err)
	})

	t.Run("Expired", func(t *testing.T) {
		shortLived, err := NewTokenIssuer([]byte("test-hmac-secret"), time.Millisecond)
		require.NoError(t, err)

		token, err := shortLived.Issue("v1")
		require.NoError(t, err)

		time.Sleep(10 * time.Millisecond)
		_, err = issuer.Validate(token)
		assert.Error(t, err)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := issuer.Validate("not.a.token")
		assert.Error(t, err)
	})
}

func TestNewTokenIssuerValidation(t *testing.T) {
	_, err := NewTokenIssuer(nil, time.Minute)
	assert.Error(t, err)

	_, err = NewTokenIssuer([]byte("secret"), 0)
	assert.Error(t, err)
}
