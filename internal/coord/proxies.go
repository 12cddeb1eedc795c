package coord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProxyList returns the cached proxy pool as raw JSON. ok is false when no
// pool has been fetched yet.
func (c *Client) ProxyList(ctx context.Context) ([]byte, bool, error) {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	raw, err := c.rdb.Get(opCtx, keyProxies).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read proxy list: %w", err)
	}
	return raw, true, nil
}

// SetProxyList replaces the cached proxy pool.
func (c *Client) SetProxyList(ctx context.Context, raw []byte) error {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.Set(opCtx, keyProxies, raw, 0).Err(); err != nil {
		return fmt.Errorf("store proxy list: %w", err)
	}
	return nil
}

// ProxyFetchMeta returns when the pool was last fetched and when the next
// fetch is due. Zero times stand in for fields that were never written.
func (c *Client) ProxyFetchMeta(ctx context.Context) (last, next time.Time, err error) {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	last, err = c.readUnixTime(opCtx, keyLastProxyFetch)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	next, err = c.readUnixTime(opCtx, keyNextProxyFetch)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return last, next, nil
}

// SetProxyFetchMeta records a completed fetch and schedules the next one.
func (c *Client) SetProxyFetchMeta(ctx context.Context, last, next time.Time) error {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.Set(opCtx, keyLastProxyFetch, strconv.FormatInt(last.Unix(), 10), 0).Err(); err != nil {
		return fmt.Errorf("store last proxy fetch: %w", err)
	}
	if err := c.rdb.Set(opCtx, keyNextProxyFetch, strconv.FormatInt(next.Unix(), 10), 0).Err(); err != nil {
		return fmt.Errorf("store next proxy fetch: %w", err)
	}
	return nil
}

func (c *Client) readUnixTime(ctx context.Context, key string) (time.Time, error) {
	raw, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read %s: %w", key, err)
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", key, err)
	}
	return time.Unix(unix, 0), nil
}
