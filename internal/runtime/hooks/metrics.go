package hooks

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records per-stage handler failures and durations.
type Metrics struct {
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the hook collectors with registerer. A nil registerer
// yields unregistered collectors. Registering twice reuses the existing ones.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexflow",
			Subsystem: "hook",
			Name:      "errors_total",
			Help:      "Number of plugin hook handlers that failed or panicked.",
		}, []string{"hook"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "indexflow",
			Subsystem: "hook",
			Name:      "duration_seconds",
			Help:      "Time spent inside plugin hook handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"hook"}),
	}
	if registerer == nil {
		return m, nil
	}

	var are prometheus.AlreadyRegisteredError
	if err := registerer.Register(m.errors); err != nil {
		if !errors.As(err, &are) {
			return nil, err
		}
		m.errors = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := registerer.Register(m.duration); err != nil {
		if !errors.As(err, &are) {
			return nil, err
		}
		m.duration = are.ExistingCollector.(*prometheus.HistogramVec)
	}
	return m, nil
}

func (m *Metrics) observe(hook string, started time.Time, failed bool) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(hook).Observe(time.Since(started).Seconds())
	if failed {
		m.errors.WithLabelValues(hook).Inc()
	}
}
