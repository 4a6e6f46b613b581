package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	vegeta "github.com/tsenart/vegeta/lib"

	"github.com/javking07/toadrunner/model"
)

const (
	dialKeepAlive         = 30 * time.Second
	idleConnTimeout       = 90 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	expectContinueTimeout = 1 * time.Second
)

// Worker is one virtual user. It holds the test id and its Recorder and
// nothing that belongs to the Controller.
type Worker struct {
	TestID string
	Slot   Slot

	target   vegeta.Target
	config   model.LoadTestConfig
	client   *http.Client
	recorder Recorder
	deadline time.Time
	// abort cancels in-flight requests once the drain grace period is over
	abort  context.Context
	logger zerolog.Logger
}

// NewWorker builds a worker for one slot of a test. Requests are built from
// config and sent through client; the loop ends at deadline at the latest.
// Cancelling abort cuts off the request in flight.
func NewWorker(abort context.Context, testID string, slot Slot, config model.LoadTestConfig, client *http.Client, recorder Recorder, deadline time.Time, logger zerolog.Logger) *Worker {
	header := make(http.Header, len(config.Headers))
	for k, v := range config.Headers {
		header.Set(k, v)
	}
	if abort == nil {
		abort = context.Background()
	}
	return &Worker{
		TestID: testID,
		Slot:   slot,
		target: vegeta.Target{
			Method: config.Method,
			URL:    config.URL,
			Body:   []byte(config.Body),
			Header: header,
		},
		config:   config,
		client:   client,
		recorder: recorder,
		deadline: deadline,
		abort:    abort,
		logger:   logger.With().Int("worker", slot.WorkerIndex).Logger(),
	}
}

// Run waits for the worker's start offset and then issues requests back to
// back until ctx is cancelled or the deadline passes. A request in flight
// when either happens still completes and is recorded. Run always returns
// nil; request failures only show up in the recorded outcomes.
func (w *Worker) Run(ctx context.Context) error {
	if w.Slot.StartOffset > 0 {
		timer := time.NewTimer(w.Slot.StartOffset)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
	if ctx.Err() != nil || !time.Now().Before(w.deadline) {
		return nil
	}

	w.recorder.WorkerStarted()
	defer w.recorder.WorkerStopped()

	for ctx.Err() == nil && time.Now().Before(w.deadline) {
		o := w.issue()
		if o.Failed() {
			w.logger.Debug().Str("failure", string(o.Failure)).Err(o.Err).Msg("request failed")
		}
		w.recorder.Record(o)
	}
	return nil
}

// issue sends one request and measures it from dispatch until the body has
// been read in full.
func (w *Worker) issue() Outcome {
	req, err := w.target.Request()
	if err != nil {
		return Outcome{Timestamp: time.Now(), Failure: FailureOther, Err: err}
	}
	ctx, cancel := context.WithTimeout(w.abort, w.config.RequestTimeout())
	defer cancel()
	req = req.WithContext(ctx)

	bytesOut := int64(len(w.target.Body))
	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return Outcome{
			Timestamp: start,
			Latency:   time.Since(start),
			BytesOut:  bytesOut,
			Failure:   classify(ctx, w.abort, err),
			Err:       err,
		}
	}
	n, readErr := io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	o := Outcome{
		Timestamp:  start,
		Latency:    time.Since(start),
		StatusCode: resp.StatusCode,
		BytesIn:    n,
		BytesOut:   bytesOut,
	}
	switch {
	case readErr != nil:
		o.Failure = classify(ctx, w.abort, readErr)
		o.Err = readErr
	case !w.config.IsExpectedStatus(resp.StatusCode):
		o.Failure = FailureHTTPStatus
		o.Err = fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return o
}

func classify(reqCtx, abort context.Context, err error) FailureKind {
	if abort.Err() != nil {
		return FailureCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureDNS
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) || strings.Contains(err.Error(), "x509:") || strings.Contains(err.Error(), "tls:") {
		return FailureTLS
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailureConnection
	}
	return FailureOther
}

// NewHTTPClient builds the client shared by all workers of one test.
func NewHTTPClient(config model.LoadTestConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.RequestTimeout(),
			KeepAlive: dialKeepAlive,
		}).DialContext,
		MaxIdleConns:          config.VirtualUsers,
		MaxIdleConnsPerHost:   config.VirtualUsers,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		ForceAttemptHTTP2:     true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !config.ValidateSSL,
		},
	}
	client := &http.Client{Transport: transport}
	if !config.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}
