package app

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/javking07/toadrunner/engine"
	"github.com/javking07/toadrunner/model"
)

// Metrics exports engine activity to prometheus. It is the engine.Observer
// of the App's controller.
type Metrics struct {
	Registry *prometheus.Registry

	TestsStarted    prometheus.Counter
	TestsFinished   *prometheus.CounterVec
	RunningTests    prometheus.Gauge
	ActiveUsers     prometheus.Gauge
	Requests        *prometheus.CounterVec
	RequestDuration prometheus.Histogram

	running sync.Map
}

// NewMetrics registers the collectors on a fresh registry together with the
// go and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		TestsStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "toadrunner_tests_started_total",
				Help: "Total number of load tests that reached the running state",
			},
		),
		TestsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toadrunner_tests_finished_total",
				Help: "Total number of load tests by terminal status",
			},
			[]string{"status"},
		),
		RunningTests: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toadrunner_running_tests",
				Help: "Number of load tests currently running",
			},
		),
		ActiveUsers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toadrunner_active_virtual_users",
				Help: "Number of virtual users currently issuing requests across all tests",
			},
		),
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toadrunner_requests_total",
				Help: "Total number of requests issued by virtual users by outcome",
			},
			[]string{"outcome"},
		),
		RequestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "toadrunner_request_duration_seconds",
				Help:    "Latency of requests issued by virtual users",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			},
		),
	}
}

func (m *Metrics) TestStarted(testID string) {
	m.running.Store(testID, struct{}{})
	m.TestsStarted.Inc()
	m.RunningTests.Inc()
}

// TestFinished is also called for tests that never reached running, so the
// running gauge only moves for tests seen by TestStarted.
func (m *Metrics) TestFinished(testID string, status model.Status, _ model.TestResultSummary) {
	m.TestsFinished.WithLabelValues(string(status)).Inc()
	if _, ok := m.running.LoadAndDelete(testID); ok {
		m.RunningTests.Dec()
	}
}

func (m *Metrics) WorkerStarted(string) { m.ActiveUsers.Inc() }
func (m *Metrics) WorkerStopped(string) { m.ActiveUsers.Dec() }

func (m *Metrics) RequestDone(_ string, o engine.Outcome) {
	outcome := "success"
	if o.Failed() {
		outcome = string(o.Failure)
	}
	m.Requests.WithLabelValues(outcome).Inc()
	m.RequestDuration.Observe(o.Latency.Seconds())
}
