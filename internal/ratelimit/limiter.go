// Package ratelimit throttles calls to upstream video services.
package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var throttleWaits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "datc_upstream_throttle_waits_total",
	Help: "Upstream calls delayed by the egress rate limit, by service.",
}, []string{"service"})

// Egress is a blocking token-bucket limiter shared by every call to one
// upstream service. Callers wait for a slot instead of failing: a throttled
// queue slot has nothing better to do, and the upstream bans bursty clients
// long before it bans slow ones.
type Egress struct {
	name    string
	limiter *rate.Limiter
}

// NewEgress builds a limiter allowing rps calls per second with the given
// burst. Non-positive values fall back to a polite-scraper default of
// 5 per second with a burst of 10.
func NewEgress(name string, rps float64, burst int) *Egress {
	if rps <= 0 {
		rps = 5
	}
	if burst < 1 {
		burst = 10
	}
	return &Egress{name: name, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a call slot is free or ctx ends.
func (e *Egress) Wait(ctx context.Context) error {
	start := time.Now()
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	if time.Since(start) > time.Millisecond {
		throttleWaits.WithLabelValues(e.name).Inc()
	}
	return nil
}
