package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "compositor"

// Engine records the composition engine's contention and cache behavior.
// A nil *Engine is valid and records nothing.
type Engine struct {
	conflictRetries *prometheus.CounterVec
	dedupHits       prometheus.Counter
	resolveCache    *prometheus.CounterVec
	versionsWritten *prometheus.CounterVec
	opDuration      *prometheus.HistogramVec
}

// NewEngine registers the engine metrics on the provided registerer.
func NewEngine(reg prometheus.Registerer) *Engine {
	if reg == nil {
		return &Engine{}
	}
	conflictRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "conflict_retries_total",
		Help:      "Transactions retried after losing a concurrent write.",
	}, []string{"operation"})
	dedupHits := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "intake_dedup_hits_total",
		Help:      "Asset intakes answered with an existing asset of the same content hash.",
	})
	resolveCache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolve_cache_requests_total",
		Help:      "Resolve cache lookups by result.",
	}, []string{"result"})
	versionsWritten := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "composition_versions_written_total",
		Help:      "Composition version snapshots appended, by cause.",
	}, []string{"cause"})
	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Duration of engine write operations in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
	reg.MustRegister(conflictRetries, dedupHits, resolveCache, versionsWritten, opDuration)
	return &Engine{
		conflictRetries: conflictRetries,
		dedupHits:       dedupHits,
		resolveCache:    resolveCache,
		versionsWritten: versionsWritten,
		opDuration:      opDuration,
	}
}

func (e *Engine) IncConflictRetry(operation string) {
	if e == nil || e.conflictRetries == nil {
		return
	}
	e.conflictRetries.WithLabelValues(normalizeLabel(operation)).Inc()
}

func (e *Engine) IncDedupHit() {
	if e == nil || e.dedupHits == nil {
		return
	}
	e.dedupHits.Inc()
}

// ObserveResolveCache records a cache hit when hit is true, a miss otherwise.
func (e *Engine) ObserveResolveCache(hit bool) {
	if e == nil || e.resolveCache == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	e.resolveCache.WithLabelValues(result).Inc()
}

func (e *Engine) IncVersionWritten(cause string) {
	if e == nil || e.versionsWritten == nil {
		return
	}
	e.versionsWritten.WithLabelValues(normalizeLabel(cause)).Inc()
}

func (e *Engine) ObserveDuration(operation string, d time.Duration) {
	if e == nil || e.opDuration == nil {
		return
	}
	e.opDuration.WithLabelValues(normalizeLabel(operation)).Observe(d.Seconds())
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
