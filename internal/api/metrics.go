package api

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/trovelabs/trove/internal/apierr"
)

// Metrics counts method invocations by outcome and times them. Register
// against prometheus.DefaultRegisterer in production; tests pass a fresh
// registry so parallel suites never collide.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trove",
			Subsystem: "api",
			Name:      "method_calls_total",
			Help:      "API method invocations by method id and outcome.",
		}, []string{"method", "result"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trove",
			Subsystem: "api",
			Name:      "method_duration_seconds",
			Help:      "API method wall-clock duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

func (m *Metrics) observe(methodID string, apiErr *apierr.E, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if apiErr != nil {
		outcome = string(apiErr.ID)
	}
	m.calls.WithLabelValues(methodID, outcome).Inc()
	m.duration.WithLabelValues(methodID).Observe(elapsed.Seconds())
}
