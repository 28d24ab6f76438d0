// Package metrics records probe, phase and run outcomes of the harness in a
// private prometheus registry, exported as a node_exporter textfile.
package metrics

import (
	"time"

	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-mysql-org/go-mysql-failover/probe"
)

const namespace = "failover_verify"

type Metrics struct {
	reg *prometheus.Registry

	probes        *prometheus.CounterVec
	probeDuration prometheus.Histogram
	phaseDuration *prometheus.GaugeVec
	runs          *prometheus.CounterVec
	lastRun       prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "SQL probes by node and result.",
		}, []string{"addr", "result"}),
		probeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Wall time of one SQL probe, dial included.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		}),
		phaseDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of each phase of the last run.",
		}, []string{"phase"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs by outcome and failure reason.",
		}, []string{"outcome", "reason"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
	}
	m.reg.MustRegister(m.probes, m.probeDuration, m.phaseDuration, m.runs, m.lastRun)
	return m
}

// ObserveProbe implements probe.Observer.
func (m *Metrics) ObserveProbe(addr string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		k, _ := probe.KindOf(err)
		result = k.String()
	}
	m.probes.WithLabelValues(addr, result).Inc()
	m.probeDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	m.phaseDuration.WithLabelValues(phase).Set(d.Seconds())
}

func (m *Metrics) ObserveRun(outcome, reason string) {
	m.runs.WithLabelValues(outcome, reason).Inc()
	m.lastRun.SetToCurrentTime()
}

// WriteTextfile atomically writes all metrics to path in the text format.
func (m *Metrics) WriteTextfile(path string) error {
	return errors.Trace(prometheus.WriteToTextfile(path, m.reg))
}
