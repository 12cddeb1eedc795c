package validation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
)

func TestCheckStorageCreatesRoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "nested")
	require.NoError(t, CheckStorage(path))
	require.DirExists(t, path)
}

func TestCheckStorageRejectsFileInTheWay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache")
	require.NoError(t, os.WriteFile(path, []byte("not a directory"), 0o600))

	assert.Error(t, CheckStorage(path))
}

func TestCheckToolsMissingBinary(t *testing.T) {
	cfg := &config.Config{}
	cfg.FFmpegPath = "definitely-not-a-real-ffmpeg-binary"

	err := CheckTools(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ffmpeg")
}

func TestCheckToolsSkipsYtdlpWhenDisabled(t *testing.T) {
	enabled := false
	cfg := &config.Config{}
	cfg.FFmpegPath = "sh" // anything resolvable on PATH
	cfg.TryYtdlp = &enabled
	cfg.YtdlpPath = "definitely-not-a-real-ytdlp-binary"

	assert.NoError(t, CheckTools(cfg))
}
