// Package metrics exports the counters of a finished run in the Prometheus
// text format, ready for a node exporter textfile collector.
package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"ktrace/internal/kernel"
	"ktrace/internal/trace"
)

const namespace = "ktrace"

// Metrics owns a private registry so repeated runs in one process never
// collide on collector registration.
type Metrics struct {
	registry *prometheus.Registry

	syscalls    *prometheus.GaugeVec
	polls       *prometheus.GaugeVec
	ticks       *prometheus.GaugeVec
	tasks       *prometheus.GaugeVec
	virtualTime *prometheus.GaugeVec
	sinkErrors  *prometheus.GaugeVec
	spanEvents  prometheus.Gauge
	failedHarts prometheus.Gauge
}

// New creates the collectors and registers them.
func New() *Metrics {
	hartGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hart",
			Name:      name,
			Help:      help,
		}, []string{"hart"})
	}
	m := &Metrics{
		registry:    prometheus.NewRegistry(),
		syscalls:    hartGauge("syscalls", "Syscalls issued on the hart."),
		polls:       hartGauge("polls", "Task polls performed by the hart executor."),
		ticks:       hartGauge("ticks", "Timer interrupts serviced by the hart."),
		tasks:       hartGauge("tasks", "Tasks spawned on the hart."),
		virtualTime: hartGauge("virtual_time_ticks", "Virtual time reached by the hart executor."),
		sinkErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "write_errors",
			Help:      "Failed writes per log sink.",
		}, []string{"sink"}),
		spanEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "profiler",
			Name:      "events",
			Help:      "Span enter and exit events held by the profiler.",
		}),
		failedHarts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failed_harts",
			Help:      "Harts that died on a fatal invariant violation.",
		}),
	}
	m.registry.MustRegister(
		m.syscalls, m.polls, m.ticks, m.tasks, m.virtualTime,
		m.sinkErrors, m.spanEvents, m.failedHarts,
	)
	return m
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveHarts records per-hart counters.
func (m *Metrics) ObserveHarts(stats []kernel.HartStats) {
	for _, st := range stats {
		hart := strconv.Itoa(st.Hart)
		m.syscalls.WithLabelValues(hart).Set(float64(st.Syscalls))
		m.polls.WithLabelValues(hart).Set(float64(st.Polls))
		m.ticks.WithLabelValues(hart).Set(float64(st.Ticks))
		m.tasks.WithLabelValues(hart).Set(float64(st.Tasks))
		m.virtualTime.WithLabelValues(hart).Set(float64(st.Now))
	}
}

// ObserveSinks records write error counts for the named sinks of tracer.
func (m *Metrics) ObserveSinks(tracer *trace.Tracer, sinks ...string) {
	for _, name := range sinks {
		if _, ok := tracer.Threshold(name); !ok {
			continue
		}
		m.sinkErrors.WithLabelValues(name).Set(float64(tracer.WriteErrors(name)))
	}
}

// ObserveProfiler records the profiler buffer size.
func (m *Metrics) ObserveProfiler(events int) {
	m.spanEvents.Set(float64(events))
}

// ObserveFailure records how many harts failed.
func (m *Metrics) ObserveFailure(harts int) {
	m.failedHarts.Set(float64(harts))
}

// WriteFile writes every metric in the text exposition format.
func (m *Metrics) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
