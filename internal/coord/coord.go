// Package coord is the typed client for the coordination store, the shared
// Redis instance that the API process and the generation workers communicate
// through. It owns the key layout:
//
//	last-used            sorted set: video id -> last access (unix seconds)
//	storage-used         integer: bytes written since the last recomputation
//	best-<videoID>       string: canonical offset of the preferred thumbnail
//	<videoID>-<offset>   pub/sub channel: job completion, "true" or "false"
//	job:<videoID>-<offset>  JSON job record, NX + TTL
//	high, normal         job queues (lists of job ids)
//	proxies, last_proxy_fetch, next_proxy_fetch  proxy pool cache
//	workers              sorted set: worker name -> last heartbeat
//	cleanup-running      cleanup pass lock, NX + TTL
//
// Every operation is individually atomic; nothing here needs a multi-key
// transaction. Compound flows (counter drift, index drift) are reconciled by
// the cleanup loop instead.
package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/thumbnail"
)

// Key layout constants. Kept flat and greppable.
const (
	keyLastUsed       = "last-used"
	keyStorageUsed    = "storage-used"
	keyWorkers        = "workers"
	keyCleanupLock    = "cleanup-running"
	keyProxies        = "proxies"
	keyLastProxyFetch = "last_proxy_fetch"
	keyNextProxyFetch = "next_proxy_fetch"
	jobKeyPrefix      = "job:"
	bestKeyPrefix     = "best-"
)

// opTimeout bounds every non-blocking store roundtrip.
const opTimeout = 3 * time.Second

// Config holds the connection parameters.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Client wraps the go-redis client with the coordination schema.
type Client struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// New connects to the coordination store and verifies the connection.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("coordination store connection failed: %w", err)
	}

	logger.Info().
		Str("event", "coord.connected").
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to coordination store")

	return &Client{rdb: rdb, logger: logger}, nil
}

// NewFromClient wraps an existing redis client. Tests use this with miniredis.
func NewFromClient(rdb *redis.Client, logger zerolog.Logger) *Client {
	return &Client{rdb: rdb, logger: logger}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks store liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// --- Recency index ---

// RecencyEntry is one row of the LRU window.
type RecencyEntry struct {
	VideoID  string
	LastUsed time.Time
}

// UpdateLastUsed sets the video's recency score to now. Callers treat
// failures as best-effort: a stale score only makes eviction slightly
// unfair, never incorrect.
func (c *Client) UpdateLastUsed(ctx context.Context, videoID string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.rdb.ZAdd(ctx, keyLastUsed, redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: videoID,
	}).Err()
}

// LastUsed returns the video's recency score. ok is false when the video is
// not in the index.
func (c *Client) LastUsed(ctx context.Context, videoID string) (time.Time, bool, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	score, err := c.rdb.ZScore(ctx, keyLastUsed, videoID).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read recency: %w", err)
	}
	return time.Unix(int64(score), 0), true, nil
}

// LRUWindow returns the n least recently used videos, oldest first.
func (c *Client) LRUWindow(ctx context.Context, n int64) ([]RecencyEntry, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	zs, err := c.rdb.ZRangeWithScores(ctx, keyLastUsed, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read lru window: %w", err)
	}
	entries := make([]RecencyEntry, 0, len(zs))
	for _, z := range zs {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		entries = append(entries, RecencyEntry{
			VideoID:  id,
			LastUsed: time.Unix(int64(z.Score), 0),
		})
	}
	return entries, nil
}

// RemoveRecency drops a video from the index after its folder is evicted.
func (c *Client) RemoveRecency(ctx context.Context, videoID string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.rdb.ZRem(ctx, keyLastUsed, videoID).Err()
}

// RecencyLen returns the number of indexed videos.
func (c *Client) RecencyLen(ctx context.Context) (int64, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.rdb.ZCard(ctx, keyLastUsed).Result()
	if err != nil {
		return 0, fmt.Errorf("read recency length: %w", err)
	}
	return n, nil
}

// --- Storage counter ---

// AddStorage atomically adds delta bytes to the storage counter and returns
// the new value. Negative deltas account for deletions.
func (c *Client) AddStorage(ctx context.Context, delta int64) (int64, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.rdb.IncrBy(ctx, keyStorageUsed, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("add storage: %w", err)
	}
	return n, nil
}

// ReadStorage returns the storage counter. A missing key reads as zero.
func (c *Client) ReadStorage(ctx context.Context) (int64, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.rdb.Get(ctx, keyStorageUsed).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read storage: %w", err)
	}
	return n, nil
}

// ResetStorage overwrites the counter with a freshly computed value. Only the
// cleanup pass calls this, after walking the filesystem.
func (c *Client) ResetStorage(ctx context.Context, bytes int64) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.rdb.Set(ctx, keyStorageUsed, bytes, 0).Err()
}

// --- Best-time hint ---

// SetBestTime records the preferred offset for a video.
func (c *Client) SetBestTime(ctx context.Context, videoID string, t float64) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.rdb.Set(ctx, bestKeyPrefix+videoID, thumbnail.FormatTime(t), 0).Err()
}

// BestTime returns the preferred offset in canonical form. ok is false when
// no hint is stored.
func (c *Client) BestTime(ctx context.Context, videoID string) (string, bool, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	v, err := c.rdb.Get(ctx, bestKeyPrefix+videoID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read best time: %w", err)
	}
	return v, true, nil
}
