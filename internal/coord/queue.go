package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/thumbnail"
)

// Priority classes map one-to-one onto queue keys.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
)

// jobTTL reclaims records whose queue entry was lost to a crash. It must
// outlast the worst-case queue wait, or a queued job's record expires and a
// second request re-enqueues the same fingerprint.
const jobTTL = 6 * time.Hour

// Job is the transient record behind one queued generation.
type Job struct {
	VideoID    string  `json:"videoID"`
	Time       float64 `json:"time"`
	Title      string  `json:"title,omitempty"`
	Priority   string  `json:"priority"`
	Livestream bool    `json:"livestream,omitempty"`
}

// ID returns the job's fingerprint, which doubles as its queue entry and
// status channel name.
func (j Job) ID() string {
	return thumbnail.JobID(j.VideoID, j.Time)
}

// CreateJob stores the record under its fingerprint if none exists. The
// boolean reports whether this call created it; false means another request
// already owns the fingerprint and the caller should attach instead of
// enqueueing.
func (c *Client) CreateJob(ctx context.Context, job Job) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	created, err := c.rdb.SetNX(ctx, jobKeyPrefix+job.ID(), data, jobTTL).Result()
	if err != nil {
		return false, fmt.Errorf("create job: %w", err)
	}
	return created, nil
}

// Job loads a record by fingerprint. ok is false when the record expired or
// was already consumed.
func (c *Client) Job(ctx context.Context, jobID string) (Job, bool, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	data, err := c.rdb.Get(ctx, jobKeyPrefix+jobID).Bytes()
	if err == redis.Nil {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("load job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, false, fmt.Errorf("decode job: %w", err)
	}
	return job, true, nil
}

// DeleteJob removes the record once a terminal status has been published.
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	return c.rdb.Del(ctx, jobKeyPrefix+jobID).Err()
}

// Enqueue appends the job id to its priority queue.
func (c *Client) Enqueue(ctx context.Context, jobID, priority string) error {
	queue := queueKey(priority)
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.rdb.RPush(ctx, queue, jobID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next job id, draining the high queue
// before the normal one. A timeout returns ("", nil) so worker loops can poll
// their context between waits.
func (c *Client) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := c.rdb.BLPop(ctx, timeout, PriorityHigh, PriorityNormal).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return "", fmt.Errorf("dequeue: unexpected reply of %d elements", len(res))
	}
	return res[1], nil
}

// QueueDepth returns the length of one priority queue.
func (c *Client) QueueDepth(ctx context.Context, priority string) (int64, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	n, err := c.rdb.LLen(ctx, queueKey(priority)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// TotalQueueDepth returns the combined length of both queues. Admission
// checks this against the configured maximum.
func (c *Client) TotalQueueDepth(ctx context.Context) (int64, error) {
	high, err := c.QueueDepth(ctx, PriorityHigh)
	if err != nil {
		return 0, err
	}
	normal, err := c.QueueDepth(ctx, PriorityNormal)
	if err != nil {
		return 0, err
	}
	return high + normal, nil
}

// Position returns how many queued jobs precede the given one. High-queue
// entries count from the front; normal-queue entries sit behind the whole
// high queue. A job in neither queue is being worked on right now, which
// reads as position zero.
//
// Queues are bounded by maxQueueSize, so a full scan stays cheap and avoids
// leaning on LPOS support in the store.
func (c *Client) Position(ctx context.Context, jobID string) (int, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	high, err := c.rdb.LRange(ctx, PriorityHigh, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("scan high queue: %w", err)
	}
	for i, id := range high {
		if id == jobID {
			return i, nil
		}
	}

	normal, err := c.rdb.LRange(ctx, PriorityNormal, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("scan normal queue: %w", err)
	}
	for i, id := range normal {
		if id == jobID {
			return len(high) + i, nil
		}
	}
	return 0, nil
}

func queueKey(priority string) string {
	if priority == PriorityHigh {
		return PriorityHigh
	}
	return PriorityNormal
}
