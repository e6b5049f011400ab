package plugin

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the registry's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	CallsTotal       *prometheus.CounterVec
	CallDuration     *prometheus.HistogramVec
	TransitionsTotal *prometheus.CounterVec
	LiveHandles      prometheus.Gauge
	RecordsRejected  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = "flowplug"
	}
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_calls_total",
				Help:      "Plugin calls by operation and outcome.",
			},
			[]string{"plugin", "op", "outcome"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plugin_call_duration_seconds",
				Help:      "Plugin call latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"plugin", "op"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_transitions_total",
				Help:      "Lifecycle transitions by source and target state.",
			},
			[]string{"from", "to"},
		),
		LiveHandles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plugin_live_handles",
				Help:      "Handles currently owned by the registry.",
			},
		),
		RecordsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_records_rejected_total",
				Help:      "Records that failed schema validation.",
			},
			[]string{"plugin"},
		),
	}

	collectors := []prometheus.Collector{m.CallsTotal, m.CallDuration, m.TransitionsTotal, m.LiveHandles, m.RecordsRejected}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register plugin metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) observeCall(plugin, op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(plugin, op, outcome).Inc()
	m.CallDuration.WithLabelValues(plugin, op).Observe(elapsed.Seconds())
}

func (m *Metrics) transition(from, to State) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	switch {
	case to.Live() && !from.Live():
		m.LiveHandles.Inc()
	case from.Live() && !to.Live():
		m.LiveHandles.Dec()
	}
}

func (m *Metrics) rejected(plugin string) {
	if m == nil {
		return
	}
	m.RecordsRejected.WithLabelValues(plugin).Inc()
}
