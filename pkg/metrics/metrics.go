// Package metrics defines the Prometheus instrumentation shared by
// the job queue, stream buffer, and RPC fabric engines, grounded on
// the teacher's pkg/datastorage/metrics package shape
// (NewMetricsWithRegistry, per-operation counters/histograms).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Operation result labels.
const (
	ResultSuccess   = "success"
	ResultNoSlot    = "no_slot"
	ResultExhausted = "lock_exhausted"
	ResultError     = "error"
)

// Metrics bundles every counter/histogram the fabric's engines
// record. A zero-value Metrics is unusable; always construct via
// New or NewWithRegistry.
type Metrics struct {
	ClaimsTotal    *prometheus.CounterVec
	PushesTotal    *prometheus.CounterVec
	RetriesTotal   *prometheus.CounterVec
	OperationSecs  *prometheus.HistogramVec
	SlotPoolFree   *prometheus.GaugeVec
}

// New builds Metrics registered against the default Prometheus
// registry, namespaced "kbcore".
func New() *Metrics {
	return NewWithRegistry("kbcore", prometheus.DefaultRegisterer)
}

// NewWithRegistry builds Metrics registered against registerer,
// allowing tests to use a private prometheus.NewRegistry() and avoid
// duplicate-registration panics across test runs.
func NewWithRegistry(namespace string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ClaimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Total claim attempts by component and result.",
		}, []string{"component", "result"}),
		PushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Total push attempts by component and result.",
		}, []string{"component", "result"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total retry attempts by component and operation.",
		}, []string{"component", "op"}),
		OperationSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Operation latency by component and operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component", "op"}),
		SlotPoolFree: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slot_pool_free",
			Help:      "Free slots observed in a pool at last check, by component and path.",
		}, []string{"component", "path"}),
	}

	registerer.MustRegister(m.ClaimsTotal, m.PushesTotal, m.RetriesTotal, m.OperationSecs, m.SlotPoolFree)
	return m
}

// Noop builds Metrics registered against a private, throwaway
// registry. Engine constructors fall back to this when called with a
// nil *Metrics, the same nil-defaulting shape they already apply to
// *zap.Logger, so call sites never need a nil check before recording.
func Noop() *Metrics {
	return NewWithRegistry("kbcore", prometheus.NewRegistry())
}
