package pipeline

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports terminal outcomes and processing time.
type Metrics struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the pipeline collectors. A nil registerer yields
// unregistered collectors.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "indexflow",
			Subsystem: "pipeline",
			Name:      "events_total",
			Help:      "Stream notifications processed, by terminal state.",
		}, []string{"state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "indexflow",
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Time from receipt to terminal state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"state"}),
	}
	if registerer == nil {
		return m, nil
	}

	var are prometheus.AlreadyRegisteredError
	if err := registerer.Register(m.events); err != nil {
		if !errors.As(err, &are) {
			return nil, err
		}
		m.events = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := registerer.Register(m.duration); err != nil {
		if !errors.As(err, &are) {
			return nil, err
		}
		m.duration = are.ExistingCollector.(*prometheus.HistogramVec)
	}
	return m, nil
}

func (m *Metrics) record(o Outcome) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(o.State)).Inc()
	m.duration.WithLabelValues(string(o.State)).Observe(o.Duration.Seconds())
}
