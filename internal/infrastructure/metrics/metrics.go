package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"TagRelay/internal/domain"
	"TagRelay/internal/ports"
)

const namespace = "tagrelay"

// Metrics holds the relay counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Transitions *prometheus.CounterVec
	Cycles      *prometheus.CounterVec
	Skipped     *prometheus.CounterVec
}

var _ ports.Metrics = (*Metrics)(nil)

// New registers the relay counters.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_transitions_total",
			Help:      "Delivery record transitions by target status.",
		}, []string{"status"}),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Controller invocations by outcome.",
		}, []string{"outcome"}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_posts_total",
			Help:      "Source posts skipped during discovery by reason.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(m.Transitions, m.Cycles, m.Skipped)
	return m
}

func (m *Metrics) ObserveTransition(status domain.Status) {
	m.Transitions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ObserveCycle(outcome string) {
	m.Cycles.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSkipped(reason string) {
	m.Skipped.WithLabelValues(reason).Inc()
}

// Flush writes the counters in the node-exporter textfile format.
func (m *Metrics) Flush(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
