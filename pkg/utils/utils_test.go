package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGenerateMessageID(t *testing.T) {
	a := GenerateMessageID()
	b := GenerateMessageID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestContainsString(t *testing.T) {
	slice := []string{"v1", "v2", "v3"}
	assert.True(t, ContainsString(slice, "v2"))
	assert.False(t, ContainsString(slice, "v4"))
	assert.False(t, ContainsString(nil, "v1"))
}

func TestSafeGo(t *testing.T) {
	logger := zap.NewExample()

	t.Run("NormalExecution", func(t *testing.T) {
		executed := make(chan bool)
		SafeGo(logger, func() {
			executed <- true
		})
		assert.True(t, <-executed)
	})

	t.Run("PanicRecovery", func(t *testing.T) {
		recovered := make(chan bool)
		SafeGo(logger, func() {
			defer func() {
				recovered <- true
			}()
			panic("test panic")
		})
		assert.True(t, <-recovered)
	})
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultLogConfig()
	cfg.OutputPath = filepath.Join(t.TempDir(), "logs", "node.log")

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("startup")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(cfg.OutputPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "startup")
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	cfg := DefaultLogConfig()
	cfg.OutputPath = filepath.Join(t.TempDir(), "node.log")
	cfg.Level = "bogus"

	_, err := NewLogger(cfg)
	assert.Error(t, err)
}
