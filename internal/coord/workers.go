package coord

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// activeWindow bounds how stale a heartbeat may be before the worker no
// longer counts as active.
const activeWindow = 30 * time.Second

// Heartbeat records a worker as alive right now and prunes entries older
// than the active window.
func (c *Client) Heartbeat(ctx context.Context, workerID string) error {
	now := time.Now()
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.ZAdd(opCtx, keyWorkers, redis.Z{
		Score:  float64(now.Unix()),
		Member: workerID,
	}).Err(); err != nil {
		return fmt.Errorf("heartbeat %s: %w", workerID, err)
	}
	cutoff := strconv.FormatInt(now.Add(-activeWindow).Unix(), 10)
	if err := c.rdb.ZRemRangeByScore(opCtx, keyWorkers, "-inf", "("+cutoff).Err(); err != nil {
		return fmt.Errorf("prune worker registry: %w", err)
	}
	return nil
}

// Deregister drops a worker from the registry, typically on clean shutdown.
func (c *Client) Deregister(ctx context.Context, workerID string) error {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.ZRem(opCtx, keyWorkers, workerID).Err(); err != nil {
		return fmt.Errorf("deregister %s: %w", workerID, err)
	}
	return nil
}

// ActiveWorkers counts workers with a heartbeat inside the active window.
func (c *Client) ActiveWorkers(ctx context.Context) (int64, error) {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	cutoff := strconv.FormatInt(time.Now().Add(-activeWindow).Unix(), 10)
	n, err := c.rdb.ZCount(opCtx, keyWorkers, cutoff, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count active workers: %w", err)
	}
	return n, nil
}

// TryLockCleanup claims the cleanup lock. Only one process runs cleanup at a
// time; the TTL keeps a crashed holder from wedging it forever.
func (c *Client) TryLockCleanup(ctx context.Context, ttl time.Duration) (bool, error) {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	ok, err := c.rdb.SetNX(opCtx, keyCleanupLock, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock cleanup: %w", err)
	}
	return ok, nil
}

// UnlockCleanup releases the cleanup lock.
func (c *Client) UnlockCleanup(ctx context.Context) error {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.Del(opCtx, keyCleanupLock).Err(); err != nil {
		return fmt.Errorf("unlock cleanup: %w", err)
	}
	return nil
}
