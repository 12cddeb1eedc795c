// Package metrics provides Prometheus metrics for the thumbnail cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Label cardinality stays bounded: no video ids, offsets or request ids in
// labels.

var (
	// RequestsTotal counts thumbnail requests by outcome.
	// outcome: hit|generated|miss|not_ready|failed|invalid|overloaded
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datc_requests_total",
		Help: "Total thumbnail requests, by outcome.",
	}, []string{"outcome"})

	// RequestDuration observes end-to-end handler latency.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datc_request_duration_seconds",
		Help:    "Thumbnail request handling duration.",
		Buckets: []float64{.005, .025, .1, .5, 1, 2.5, 5, 10, 20},
	}, []string{"outcome"})

	// GenerationTotal counts generation jobs by outcome (success|failure).
	GenerationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datc_generation_total",
		Help: "Total generation jobs, by outcome.",
	}, []string{"outcome"})

	// GenerationDuration observes full pipeline duration per job.
	GenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "datc_generation_duration_seconds",
		Help:    "Generation pipeline duration per job.",
		Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 30, 60},
	})

	// GenerationRetriesTotal counts pipeline re-attempts.
	GenerationRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datc_generation_retries_total",
		Help: "Total generation pipeline retries.",
	})

	// ResolverTotal counts playback resolution attempts by provider and outcome.
	// outcome: success|transient|unplayable|login_required
	ResolverTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datc_resolver_total",
		Help: "Playback URL resolution attempts, by provider and outcome.",
	}, []string{"provider", "outcome"})

	// ExtractorRunsTotal counts frame extractor invocations.
	ExtractorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datc_extractor_runs_total",
		Help: "Frame extractor invocations, by outcome and proxy use.",
	}, []string{"outcome", "proxied"})

	// SignerRequestsTotal counts signing helper calls by opcode name.
	SignerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datc_signer_requests_total",
		Help: "Signing helper requests, by operation and outcome.",
	}, []string{"op", "outcome"})

	// ProxyRefreshTotal counts proxy pool refresh attempts.
	ProxyRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datc_proxy_refresh_total",
		Help: "Proxy pool refresh attempts, by outcome.",
	}, []string{"outcome"})

	// PublishRetriesTotal counts status publication retries.
	PublishRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datc_publish_retries_total",
		Help: "Total job status publication retries.",
	})

	// DedupHitsTotal counts requests coalesced onto an existing job.
	DedupHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datc_dedup_hits_total",
		Help: "Requests coalesced onto an already queued generation job.",
	})

	// SyncWaitsTotal counts synchronous waits by result (done|failed|timeout).
	SyncWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datc_sync_waits_total",
		Help: "Synchronous generation waits, by result.",
	}, []string{"result"})

	// CleanupRunsTotal counts cleanup passes by trigger (threshold|interval).
	CleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datc_cleanup_runs_total",
		Help: "Cleanup passes, by trigger.",
	}, []string{"trigger"})

	// CleanupDeletedTotal counts evicted video folders.
	CleanupDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datc_cleanup_deleted_total",
		Help: "Video folders deleted by cleanup.",
	})

	// CleanupDeletedBytesTotal counts evicted bytes.
	CleanupDeletedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "datc_cleanup_deleted_bytes_total",
		Help: "Bytes deleted by cleanup.",
	})

	// QueueDepth tracks queue length by queue name (high|normal).
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "datc_queue_depth",
		Help: "Current generation queue depth, by queue.",
	}, []string{"queue"})

	// StorageUsedBytes tracks the storage counter value.
	StorageUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datc_storage_used_bytes",
		Help: "Storage used according to the coordination store counter.",
	})

	// ActiveWorkers tracks workers with a live heartbeat.
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datc_active_workers",
		Help: "Workers with a recent heartbeat.",
	})

	// ProxyPoolSize tracks the number of usable proxies.
	ProxyPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "datc_proxy_pool_size",
		Help: "Usable proxies in the pool.",
	})
)

// RecordRequest increments the request counter and observes its duration.
func RecordRequest(outcome string, seconds float64) {
	RequestsTotal.WithLabelValues(outcome).Inc()
	RequestDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordGeneration increments the generation counter and observes duration.
func RecordGeneration(outcome string, seconds float64) {
	GenerationTotal.WithLabelValues(outcome).Inc()
	GenerationDuration.Observe(seconds)
}

// RecordResolver increments the resolver counter.
func RecordResolver(provider, outcome string) {
	ResolverTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordExtractorRun increments the extractor counter.
func RecordExtractorRun(outcome string, proxied bool) {
	p := "false"
	if proxied {
		p = "true"
	}
	ExtractorRunsTotal.WithLabelValues(outcome, p).Inc()
}

// RecordSignerRequest increments the signer counter.
func RecordSignerRequest(op, outcome string) {
	SignerRequestsTotal.WithLabelValues(op, outcome).Inc()
}

// RecordCleanup increments the cleanup counters for one pass.
func RecordCleanup(trigger string, deleted int, bytes int64) {
	CleanupRunsTotal.WithLabelValues(trigger).Inc()
	CleanupDeletedTotal.Add(float64(deleted))
	CleanupDeletedBytesTotal.Add(float64(bytes))
}

// GaugeValue reads a gauge back, for tests.
func GaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// CounterValue reads a counter back, for tests.
func CounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
