package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/metrics"
)

// statusValue encodes a job outcome on the wire. The channel name is the
// fingerprint itself.
func statusValue(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}

// PublishStatus announces a job's terminal status on its fingerprint
// channel. Waiters block on this, so unlike the other best-effort updates it
// retries: five attempts, exponential backoff from 100ms.
func (c *Client) PublishStatus(ctx context.Context, jobID string, ok bool) error {
	policy := backoff.WithMaxRetries(newPublishBackoff(), 4)
	attempt := 0
	op := func() error {
		if attempt > 0 {
			metrics.PublishRetriesTotal.Inc()
		}
		attempt++
		opCtx, cancel := c.opCtx(ctx)
		defer cancel()
		return c.rdb.Publish(opCtx, jobID, statusValue(ok)).Err()
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("publish status for %s: %w", jobID, err)
	}
	return nil
}

func newPublishBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 3
	b.RandomizationFactor = 0
	b.MaxInterval = 10 * time.Second
	return b
}

// StatusSubscription is one waiter attached to a job's status channel.
type StatusSubscription struct {
	// C delivers the terminal status. It closes without a value when the
	// subscription is torn down first.
	C <-chan bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Close detaches the waiter. Safe to call after a value was received.
func (s *StatusSubscription) Close() {
	s.cancel()
	<-s.done
}

// SubscribeStatus attaches to a job's status channel. The subscription is
// fully established when this returns, so a publish that happens afterwards
// cannot be missed. Statuses published before the call are gone; late
// subscribers must re-read the artifact instead.
func (c *Client) SubscribeStatus(ctx context.Context, jobID string) (*StatusSubscription, error) {
	subCtx, cancel := context.WithCancel(context.Background())
	pubsub := c.rdb.Subscribe(subCtx, jobID)

	// Force the SUBSCRIBE roundtrip before reporting success.
	ackCtx, ackCancel := context.WithTimeout(ctx, opTimeout)
	defer ackCancel()
	if _, err := pubsub.Receive(ackCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", jobID, err)
	}

	out := make(chan bool, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, open := <-ch:
				if !open {
					return
				}
				out <- msg.Payload == "true"
				return
			}
		}
	}()

	return &StatusSubscription{C: out, cancel: cancel, done: done}, nil
}
