package p2p

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityKey(t *testing.T) {
	t.Run("GenerateAndReload", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "identity.p2p")

		priv, err := identityKey(path)
		require.NoError(t, err)
		require.NotNil(t, priv)

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

		reloaded, err := identityKey(path)
		require.NoError(t, err)
		assert.True(t, priv.Equals(reloaded))
	})

	t.Run("RejectsLooseFilePermissions", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "identity.p2p")
		_, err := identityKey(path)
		require.NoError(t, err)
		require.NoError(t, os.Chmod(path, 0644))

		_, err = identityKey(path)
		assert.ErrorContains(t, err, "0600 or stricter")
	})

	t.Run("RejectsCorruptKeyFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "identity.p2p")
		require.NoError(t, os.WriteFile(path, []byte("not a key"), 0600))

		_, err := identityKey(path)
		assert.ErrorContains(t, err, "parsing identity key")
	})
}
