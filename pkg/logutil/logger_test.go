package logutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWritesToRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookkeeper.log")

	logger, err := New(Options{Level: "debug", File: path})
	require.NoError(t, err)

	logger.Debug("cache miss", zap.String("path", "s3://bucket/key"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"cache miss"`)
	assert.Contains(t, string(data), `"timestamp"`)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Options{Level: "chatty"})
	assert.Error(t, err)

	assert.NotNil(t, Must(Options{Level: "chatty"}))
}
