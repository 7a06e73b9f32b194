package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics collects counters for sync runs, layers, and rows.
type Metrics struct {
	runs     *prometheus.CounterVec
	layers   *prometheus.CounterVec
	rows     *prometheus.CounterVec
	failures *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "entityuid_runs_total",
		Help: "Total sync runs by final state.",
	}, []string{"state"})
	layers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "entityuid_layers_total",
		Help: "Total feature layers processed by result.",
	}, []string{"result"})
	rows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "entityuid_rows_total",
		Help: "Total rows processed by outcome.",
	}, []string{"outcome"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "entityuid_failures_total",
		Help: "Total failures by type.",
	}, []string{"type"})

	runs = registerCounterVec(registerer, runs)
	layers = registerCounterVec(registerer, layers)
	rows = registerCounterVec(registerer, rows)
	failures = registerCounterVec(registerer, failures)

	return &Metrics{
		runs:     runs,
		layers:   layers,
		rows:     rows,
		failures: failures,
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// PushMetrics sends the gatherer's metrics to a Prometheus Pushgateway under the given job name.
func PushMetrics(ctx context.Context, gatewayURL, job string, gatherer prometheus.Gatherer) error {
	if gatewayURL == "" {
		return nil
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return push.New(gatewayURL, job).Gatherer(gatherer).PushContext(ctx)
}

func (m *Metrics) IncRun(state string) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.WithLabelValues(state).Inc()
}

func (m *Metrics) IncLayer(result string) {
	if m == nil || m.layers == nil {
		return
	}
	m.layers.WithLabelValues(result).Inc()
}

func (m *Metrics) IncRow(outcome string) {
	if m == nil || m.rows == nil {
		return
	}
	m.rows.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncFailure(kind string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return counter
}
