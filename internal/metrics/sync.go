package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sync records cache, error and refresh activity of a terminal. A nil *Sync
// is valid and records nothing.
type Sync struct {
	cacheOps     *prometheus.CounterVec
	errors       *prometheus.CounterVec
	refreshes    *prometheus.CounterVec
	refreshTime  prometheus.Histogram
	drift        *prometheus.CounterVec
	pendingSales prometheus.Gauge
}

// NewSync registers the sync collectors on the provided registerer.
func NewSync(reg prometheus.Registerer) *Sync {
	if reg == nil {
		return &Sync{}
	}
	cacheOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kasir_cache_operations_total",
		Help: "Durable cache operations by operation and result.",
	}, []string{"op", "result"})
	errs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kasir_errors_total",
		Help: "Errors funneled through the resilience handler.",
	}, []string{"kind", "severity"})
	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kasir_refresh_total",
		Help: "Reconciliation refreshes by result.",
	}, []string{"result"})
	refreshTime := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kasir_refresh_duration_seconds",
		Help:    "Duration of reconciliation refreshes in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	drift := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kasir_session_drift_total",
		Help: "Cash session drift corrections by direction.",
	}, []string{"direction"})
	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kasir_pending_sales",
		Help: "Sales waiting in the outbox for the remote API.",
	})
	reg.MustRegister(cacheOps, errs, refreshes, refreshTime, drift, pending)
	return &Sync{
		cacheOps:     cacheOps,
		errors:       errs,
		refreshes:    refreshes,
		refreshTime:  refreshTime,
		drift:        drift,
		pendingSales: pending,
	}
}

func (s *Sync) CacheOp(op string, result string) {
	if s == nil || s.cacheOps == nil {
		return
	}
	s.cacheOps.WithLabelValues(normalizeLabel(op), normalizeLabel(result)).Inc()
}

func (s *Sync) Error(kind string, severity string) {
	if s == nil || s.errors == nil {
		return
	}
	s.errors.WithLabelValues(normalizeLabel(kind), normalizeLabel(severity)).Inc()
}

func (s *Sync) Refresh(result string, duration time.Duration) {
	if s == nil || s.refreshes == nil {
		return
	}
	s.refreshes.WithLabelValues(normalizeLabel(result)).Inc()
	s.refreshTime.Observe(duration.Seconds())
}

func (s *Sync) Drift(direction string) {
	if s == nil || s.drift == nil {
		return
	}
	s.drift.WithLabelValues(normalizeLabel(direction)).Inc()
}

func (s *Sync) PendingSales(n int) {
	if s == nil || s.pendingSales == nil {
		return
	}
	s.pendingSales.Set(float64(n))
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
