package kafka

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type runnerMetrics struct {
	events     *prometheus.CounterVec
	actions    *prometheus.CounterVec
	applyDur   *prometheus.HistogramVec
	lag        prometheus.Gauge
	partitions prometheus.Gauge
}

func newRunnerMetrics(r prometheus.Registerer) *runnerMetrics {
	m := &runnerMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geocell_invalidation_messages_total",
			Help: "Change events consumed, by result.",
		}, []string{"result"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geocell_invalidation_apply_total",
			Help: "Cached pages evicted and events skipped while applying changes.",
		}, []string{"action"}),
		applyDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geocell_invalidation_processing_seconds",
			Help:    "Time to apply one change event.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}, []string{"op"}),
		lag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geocell_invalidation_lag_seconds",
			Help: "Age of the last consumed change event.",
		}),
		partitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "geocell_invalidation_assigned_partitions",
			Help: "Partitions currently claimed by this consumer.",
		}),
	}
	if r != nil {
		m.events = register(r, m.events)
		m.actions = register(r, m.actions)
		m.applyDur = register(r, m.applyDur)
		m.lag = register(r, m.lag)
		m.partitions = register(r, m.partitions)
	}
	return m
}

// register returns the collector already registered under the same name,
// so a restarted runner keeps reporting into the same series.
func register[C prometheus.Collector](r prometheus.Registerer, c C) C {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *runnerMetrics) handled(op string, err error, d time.Duration) {
	if op == "" {
		op = "unknown"
	}
	if err != nil {
		m.rejected()
	} else {
		m.events.WithLabelValues("ok").Inc()
	}
	m.applyDur.WithLabelValues(op).Observe(d.Seconds())
}

func (m *runnerMetrics) rejected() { m.events.WithLabelValues("error").Inc() }

func (m *runnerMetrics) skipped(reason string) { m.actions.WithLabelValues("skip_" + reason).Inc() }

func (m *runnerMetrics) evicted(n int) { m.actions.WithLabelValues("evict").Add(float64(n)) }

func (m *runnerMetrics) sawMessage(ts time.Time) {
	if !ts.IsZero() {
		m.lag.Set(time.Since(ts).Seconds())
	}
}
