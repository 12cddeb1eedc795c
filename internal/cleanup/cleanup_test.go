package cleanup

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coord"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/store"
)

type env struct {
	mr  *miniredis.Miniredis
	co  *coord.Client
	st  *store.Store
	cfg *config.Config
	run *Runner
}

// newEnv wires a runner against miniredis and a temp cache root with a
// 3000-byte budget and a 1500-byte cleanup target.
func newEnv(t *testing.T) *env {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st, err := store.New(t.TempDir())
	require.NoError(t, err)

	cfg := &config.Config{FileConfig: config.FileConfig{
		ThumbnailStorage: config.StorageSection{
			MaxSize:            3000,
			CleanupMultiplier:  0.5,
			RedisOffsetAllowed: 2,
		},
	}}
	co := coord.NewFromClient(rdb, zerolog.Nop())
	return &env{mr: mr, co: co, st: st, cfg: cfg, run: New(cfg, co, st, zerolog.Nop())}
}

// seed writes one artifact of the given size and backdates its recency score.
func (e *env) seed(t *testing.T, videoID string, size int, age time.Duration) {
	t.Helper()
	_, err := e.st.Write(videoID, 0, false, bytes.Repeat([]byte{0xCC}, size), "")
	require.NoError(t, err)
	_, err = e.mr.ZAdd("last-used", float64(time.Now().Add(-age).Unix()), videoID)
	require.NoError(t, err)
}

// seedUnindexed writes one artifact without a recency entry and backdates the
// folder mtime.
func (e *env) seedUnindexed(t *testing.T, videoID string, size int, age time.Duration) {
	t.Helper()
	_, err := e.st.Write(videoID, 0, false, bytes.Repeat([]byte{0xCC}, size), "")
	require.NoError(t, err)
	folder, err := e.st.FolderPath(videoID)
	require.NoError(t, err)
	when := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(folder, when, when))
}

func (e *env) setCounter(t *testing.T, v int64) {
	t.Helper()
	require.NoError(t, e.co.ResetStorage(context.Background(), v))
}

func (e *env) counter(t *testing.T) int64 {
	t.Helper()
	v, err := e.co.ReadStorage(context.Background())
	require.NoError(t, err)
	return v
}

func (e *env) folderExists(t *testing.T, videoID string) bool {
	t.Helper()
	folder, err := e.st.FolderPath(videoID)
	require.NoError(t, err)
	_, err = os.Stat(folder)
	return err == nil
}

func TestRunEvictsOldestUntilTarget(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "aaaaaaaaaaa", 1000, 3*time.Hour)
	e.seed(t, "bbbbbbbbbbb", 1000, 2*time.Hour)
	e.seed(t, "ccccccccccc", 1000, time.Hour)
	e.setCounter(t, 3000)

	require.NoError(t, e.run.Run(context.Background(), "threshold"))

	assert.False(t, e.folderExists(t, "aaaaaaaaaaa"), "oldest video must be evicted first")
	assert.False(t, e.folderExists(t, "bbbbbbbbbbb"))
	assert.True(t, e.folderExists(t, "ccccccccccc"), "eviction must stop at the target")
	assert.Equal(t, int64(1000), e.counter(t))

	n, err := e.co.RecencyLen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "evicted videos must leave the index")
}

func TestRunRespectsActiveWindow(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "aaaaaaaaaaa", 1000, 0)
	e.setCounter(t, 2000)

	require.NoError(t, e.run.Run(context.Background(), "threshold"))

	assert.True(t, e.folderExists(t, "aaaaaaaaaaa"), "freshly touched videos are never evicted")
	assert.Equal(t, int64(1000), e.counter(t), "counter heals to the walked size")
}

func TestRunPrunesStaleIndexEntries(t *testing.T) {
	e := newEnv(t)
	_, err := e.mr.ZAdd("last-used", float64(time.Now().Add(-time.Hour).Unix()), "ggggggggggg")
	require.NoError(t, err)
	e.setCounter(t, 2000)

	require.NoError(t, e.run.Run(context.Background(), "interval"))

	n, err := e.co.RecencyLen(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "index entries without a folder must be pruned")
	assert.Zero(t, e.counter(t))
}

func TestRunDriftEvictionOldestFirst(t *testing.T) {
	e := newEnv(t)
	e.cfg.ThumbnailStorage.RedisOffsetAllowed = 1
	e.seedUnindexed(t, "ddddddddddd", 1000, 3*time.Hour)
	e.seedUnindexed(t, "eeeeeeeeeee", 1000, 2*time.Hour)
	e.seedUnindexed(t, "fffffffffff", 1000, time.Hour)

	require.NoError(t, e.run.Run(context.Background(), "interval"))

	assert.False(t, e.folderExists(t, "ddddddddddd"))
	assert.False(t, e.folderExists(t, "eeeeeeeeeee"))
	assert.True(t, e.folderExists(t, "fffffffffff"), "the newest unindexed folders stay within the allowance")
	assert.Equal(t, int64(1000), e.counter(t))
}

func TestRunDriftAllowanceProtects(t *testing.T) {
	e := newEnv(t)
	e.seedUnindexed(t, "ddddddddddd", 1000, 3*time.Hour)
	e.seedUnindexed(t, "eeeeeeeeeee", 1000, 2*time.Hour)

	require.NoError(t, e.run.Run(context.Background(), "interval"))

	assert.True(t, e.folderExists(t, "ddddddddddd"), "drift within the allowance is tolerated")
	assert.True(t, e.folderExists(t, "eeeeeeeeeee"))
	assert.Equal(t, int64(2000), e.counter(t))
}

func TestRunHealsUndercount(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "aaaaaaaaaaa", 1000, time.Hour)
	e.setCounter(t, 0)

	require.NoError(t, e.run.Run(context.Background(), "interval"))

	assert.True(t, e.folderExists(t, "aaaaaaaaaaa"))
	assert.Equal(t, int64(1000), e.counter(t), "counter must follow the walked size upward too")
}

func TestRunSkipsWhenLocked(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, "aaaaaaaaaaa", 1000, 3*time.Hour)
	e.setCounter(t, 3000)

	locked, err := e.co.TryLockCleanup(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, locked)

	require.NoError(t, e.run.Run(ctx, "threshold"))
	assert.True(t, e.folderExists(t, "aaaaaaaaaaa"), "a held lock must skip the pass")
	assert.Equal(t, int64(3000), e.counter(t))

	require.NoError(t, e.co.UnlockCleanup(ctx))
	require.NoError(t, e.run.Run(ctx, "threshold"))
	assert.False(t, e.folderExists(t, "aaaaaaaaaaa"))

	locked, err = e.co.TryLockCleanup(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, locked, "a finished pass must release the lock")
}
