package engine

import (
	"sync"
	"sync/atomic"
	"time"

	vegeta "github.com/tsenart/vegeta/lib"

	"github.com/javking07/toadrunner/model"
)

// FailureKind classifies a failed request.
type FailureKind string

const (
	FailureTimeout    FailureKind = "timeout"
	FailureDNS        FailureKind = "dns"
	FailureConnection FailureKind = "connection"
	FailureTLS        FailureKind = "tls"
	FailureHTTPStatus FailureKind = "http_status"
	FailureCancelled  FailureKind = "cancelled"
	FailureOther      FailureKind = "other"
)

// Outcome is the result of one request. Failure is empty for successful
// requests.
type Outcome struct {
	Timestamp  time.Time
	Latency    time.Duration
	StatusCode int
	BytesIn    int64
	BytesOut   int64
	Failure    FailureKind
	Err        error
}

// Failed reports whether the request counts against the error rate.
func (o Outcome) Failed() bool {
	return o.Failure != ""
}

// Recorder receives outcomes and worker lifecycle events from workers.
type Recorder interface {
	Record(o Outcome)
	WorkerStarted()
	WorkerStopped()
}

type window struct {
	start      time.Time
	count      int64
	failures   int64
	latencySum time.Duration
	latencyMax time.Duration
}

// Aggregator folds the outcomes of one test into sampling windows and
// test-wide totals. Record only enqueues; a single goroutine started by
// NewAggregator applies outcomes with Add. Readers take a shared lock and
// never wait on workers.
type Aggregator struct {
	testID    string
	observer  Observer
	in        chan Outcome
	done      chan struct{}
	closeOnce sync.Once
	active    int64

	mu         sync.RWMutex
	window     window
	total      int64
	failed     int64
	latencySum time.Duration
	latencyMin time.Duration
	latencyMax time.Duration
	failures   map[FailureKind]int64
	// latency distribution for percentiles; a t-digest, so memory stays flat
	metrics vegeta.Metrics
}

// NewAggregator creates an aggregator whose first window starts at start.
// buffer sizes the outcome queue between workers and the folding goroutine.
func NewAggregator(testID string, start time.Time, buffer int, observer Observer) *Aggregator {
	if observer == nil {
		observer = NopObserver{}
	}
	if buffer < 1 {
		buffer = 1
	}
	a := &Aggregator{
		testID:   testID,
		observer: observer,
		in:       make(chan Outcome, buffer),
		done:     make(chan struct{}),
		window:   window{start: start},
		failures: make(map[FailureKind]int64),
	}
	go a.consume()
	return a
}

func (a *Aggregator) consume() {
	defer close(a.done)
	for o := range a.in {
		a.Add(o)
	}
}

// Record queues o for folding. It must not be called after Close.
func (a *Aggregator) Record(o Outcome) {
	a.in <- o
}

// Close stops accepting outcomes and returns once every queued outcome has
// been folded. It is safe to call more than once.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() { close(a.in) })
	<-a.done
}

// Add folds o synchronously.
func (a *Aggregator) Add(o Outcome) {
	result := vegeta.Result{
		Attack:    a.testID,
		Code:      uint16(o.StatusCode),
		Timestamp: o.Timestamp,
		Latency:   o.Latency,
		BytesIn:   uint64(o.BytesIn),
		BytesOut:  uint64(o.BytesOut),
		Error:     string(o.Failure),
	}

	a.mu.Lock()
	a.window.count++
	a.window.latencySum += o.Latency
	if o.Latency > a.window.latencyMax {
		a.window.latencyMax = o.Latency
	}
	a.total++
	a.latencySum += o.Latency
	if a.total == 1 || o.Latency < a.latencyMin {
		a.latencyMin = o.Latency
	}
	if o.Latency > a.latencyMax {
		a.latencyMax = o.Latency
	}
	if o.Failed() {
		a.window.failures++
		a.failed++
		a.failures[o.Failure]++
	}
	a.metrics.Add(&result)
	a.mu.Unlock()

	a.observer.RequestDone(a.testID, o)
}

// Begin restarts the current window at start, discarding nothing.
func (a *Aggregator) Begin(start time.Time) {
	a.mu.Lock()
	a.window.start = start
	a.mu.Unlock()
}

func (a *Aggregator) WorkerStarted() {
	atomic.AddInt64(&a.active, 1)
	a.observer.WorkerStarted(a.testID)
}

func (a *Aggregator) WorkerStopped() {
	atomic.AddInt64(&a.active, -1)
	a.observer.WorkerStopped(a.testID)
}

// ActiveUsers is the number of workers that have started and not yet exited.
func (a *Aggregator) ActiveUsers() int {
	return int(atomic.LoadInt64(&a.active))
}

// Pending reports whether the current window holds any outcome.
func (a *Aggregator) Pending() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.window.count > 0
}

// Sample closes the current window at now, returns it as a MetricPoint and
// opens the next window.
func (a *Aggregator) Sample(now time.Time) model.MetricPoint {
	a.mu.Lock()
	w := a.window
	a.window = window{start: now}
	a.mu.Unlock()

	point := model.MetricPoint{
		Timestamp:   now,
		ActiveUsers: a.ActiveUsers(),
	}
	if w.count == 0 {
		return point
	}
	seconds := now.Sub(w.start).Seconds()
	if seconds <= 0 {
		seconds = 1
	}
	point.RequestsPerSecond = float64(w.count) / seconds
	point.AverageLatency = millis(w.latencySum) / float64(w.count)
	point.MaxLatency = millis(w.latencyMax)
	point.ErrorRate = float64(w.failures) / float64(w.count)
	return point
}

// Live returns the running totals.
func (a *Aggregator) Live() model.LiveCounters {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return model.LiveCounters{
		TotalRequests:  a.total,
		FailedRequests: a.failed,
		ActiveUsers:    a.ActiveUsers(),
	}
}

// Summary computes the final result for a test that ran from start to end.
// Counts, average, min and max are exact; percentiles come from the
// streaming estimator.
func (a *Aggregator) Summary(start, end time.Time) model.TestResultSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := model.TestResultSummary{
		TotalRequests:      a.total,
		SuccessfulRequests: a.total - a.failed,
		FailedRequests:     a.failed,
		Duration:           end.Sub(start).Seconds(),
	}
	if s.Duration < 0 {
		s.Duration = 0
	}

	if a.total > 0 {
		latencies := a.metrics.Latencies
		s.AvgResponseTime = millis(a.latencySum) / float64(a.total)
		s.MinResponseTime = millis(a.latencyMin)
		s.MaxResponseTime = millis(a.latencyMax)
		s.P50ResponseTime = millis(latencies.Quantile(0.50))
		s.P90ResponseTime = millis(latencies.Quantile(0.90))
		s.P95ResponseTime = millis(latencies.Quantile(0.95))
		s.P99ResponseTime = millis(latencies.Quantile(0.99))
		s.ErrorRate = float64(a.failed) / float64(a.total)
		s.BytesIn = int64(a.metrics.BytesIn.Total)
		s.BytesOut = int64(a.metrics.BytesOut.Total)
		if s.Duration > 0 {
			s.RequestsPerSecond = float64(a.total) / s.Duration
		}

		s.StatusCodes = make(map[string]int64, len(a.metrics.StatusCodes))
		for code, n := range a.metrics.StatusCodes {
			s.StatusCodes[code] = int64(n)
		}
	}
	if len(a.failures) > 0 {
		s.Failures = make(map[string]int64, len(a.failures))
		for kind, n := range a.failures {
			s.Failures[string(kind)] = n
		}
	}

	switch {
	case s.SuccessfulRequests == 0:
		s.Status = model.ResultError
	case s.FailedRequests > 0:
		s.Status = model.ResultPartial
	default:
		s.Status = model.ResultSuccess
	}
	return s
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
