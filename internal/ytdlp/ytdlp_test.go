package ytdlp

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/proxies"
)

func TestParseDumpJSON(t *testing.T) {
	pb, err := parseDumpJSON([]byte(`{"url": "https://cdn/v", "fps": 25, "is_live": true}`))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/v", pb.URL)
	assert.InDelta(t, 25.0, pb.FPS, 1e-9)
	assert.True(t, pb.IsLive)
}

func TestParseDumpJSONRequestedFormats(t *testing.T) {
	out := `{
		"fps": 0,
		"requested_formats": [
			{"url": "https://cdn/video", "fps": 24},
			{"url": "https://cdn/audio"}
		]
	}`
	pb, err := parseDumpJSON([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/video", pb.URL)
	assert.InDelta(t, 24.0, pb.FPS, 1e-9)
}

func TestParseDumpJSONDefaultFPS(t *testing.T) {
	pb, err := parseDumpJSON([]byte(`{"url": "https://cdn/v"}`))
	require.NoError(t, err)
	assert.InDelta(t, float64(defaultFPS), pb.FPS, 1e-9)
}

func TestParseDumpJSONNoURL(t *testing.T) {
	_, err := parseDumpJSON([]byte(`{"fps": 30}`))
	assert.Error(t, err)
}

func TestParseDumpJSONGarbage(t *testing.T) {
	_, err := parseDumpJSON([]byte("ERROR: video unavailable"))
	assert.Error(t, err)
}

// writeStub drops a fake yt-dlp into a temp dir. It records its arguments
// and prints the canned JSON.
func writeStub(t *testing.T, output string, exitCode int) (binary, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	binary = filepath.Join(dir, "yt-dlp")
	argsFile = filepath.Join(dir, "args.txt")
	script := "#!/bin/sh\n" +
		"printf '%s\\n' \"$@\" > \"" + argsFile + "\"\n" +
		"cat <<'EOF'\n" + output + "\nEOF\n" +
		"exit " + map[bool]string{true: "1", false: "0"}[exitCode != 0] + "\n"
	require.NoError(t, os.WriteFile(binary, []byte(script), 0o755))
	return binary, argsFile
}

func newProvider(binary string) *Provider {
	cfg := &config.Config{}
	cfg.YtdlpPath = binary
	cfg.DefaultMaxHeight = 720
	return New(cfg, zerolog.Nop())
}

func TestResolveRunsSubprocess(t *testing.T) {
	binary, argsFile := writeStub(t, `{"url": "https://cdn/v", "fps": 30}`, 0)
	p := newProvider(binary)

	pb, err := p.Resolve(context.Background(), "jNQXAC9IVRw", &proxies.Proxy{URL: "http://u:p@1.2.3.4:8080/"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/v", pb.URL)

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Equal(t, []string{
		"--dump-json", "--no-playlist", "--no-warnings",
		"--proxy", "http://u:p@1.2.3.4:8080/",
		"-f", "best[height<=720]/worst",
		"https://www.youtube.com/watch?v=jNQXAC9IVRw",
	}, args)
}

func TestResolveWithoutProxy(t *testing.T) {
	binary, argsFile := writeStub(t, `{"url": "https://cdn/v"}`, 0)
	p := newProvider(binary)

	_, err := p.Resolve(context.Background(), "jNQXAC9IVRw", nil)
	require.NoError(t, err)

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "--proxy")
}

func TestResolveNonZeroExit(t *testing.T) {
	binary, _ := writeStub(t, `{"url": "https://cdn/v"}`, 1)
	p := newProvider(binary)

	_, err := p.Resolve(context.Background(), "jNQXAC9IVRw", nil)
	assert.Error(t, err)
}
