package engine

import (
	"context"
	"net"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/sync/errgroup"

	"github.com/javking07/toadrunner/model"
)

// Defaults applied by NewController to zero Options fields.
const (
	DefaultSampleInterval   = time.Second
	DefaultDrainTimeout     = 5 * time.Second
	DefaultOutcomeBuffer    = 4096
	DefaultSubscriberBuffer = 64

	persistTimeout = 5 * time.Second
)

// ResultStore persists execution records. It is called when a test starts
// running and again once it is terminal.
type ResultStore interface {
	SaveExecution(ctx context.Context, execution model.TestExecution) error
}

// Resolver looks up target hosts before workers are scheduled.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Options configure a Controller.
type Options struct {
	// SampleInterval is the width of a MetricPoint window.
	SampleInterval time.Duration
	// DrainTimeout bounds how long in-flight requests may run after a test
	// is stopped or its duration elapses.
	DrainTimeout time.Duration
	// Retention is how long terminal tests stay in the registry. Zero keeps
	// them until Forget.
	Retention time.Duration
	// MaxRunning caps concurrently active tests. Zero means no cap.
	MaxRunning       int
	OutcomeBuffer    int
	SubscriberBuffer int

	Logger   *zerolog.Logger
	Observer Observer
	Store    ResultStore
	Resolver Resolver
	// Ready gates Start; a non-nil error rejects the test as unavailable.
	Ready func() error
}

type execution struct {
	id      string
	config  model.LoadTestConfig
	agg     *Aggregator
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	logger  zerolog.Logger
	created time.Time

	mu            sync.RWMutex
	status        model.Status
	startTime     time.Time
	endTime       time.Time
	series        []model.MetricPoint
	summary       *model.TestResultSummary
	failure       *model.Error
	stopRequested bool
}

func (e *execution) appendPoint(p model.MetricPoint) {
	e.mu.Lock()
	e.series = append(e.series, p)
	e.mu.Unlock()
}

func (e *execution) snapshot(history bool) model.TestExecution {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := model.TestExecution{
		TestID:    e.id,
		Status:    e.status,
		Config:    e.config.Clone(),
		StartTime: e.startTime,
		Error:     e.failure,
	}
	if !e.endTime.IsZero() {
		end := e.endTime
		out.EndTime = &end
	}
	if n := len(e.series); n > 0 {
		latest := e.series[n-1]
		out.Latest = &latest
		if history {
			out.Metrics = append([]model.MetricPoint(nil), e.series...)
		}
	}
	if e.summary != nil {
		summary := *e.summary
		out.Summary = &summary
	} else {
		live := e.agg.Live()
		out.Live = &live
	}
	return out
}

func (e *execution) currentStatus() model.Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Controller is the registry of load tests. It owns every test record by id,
// runs the worker pools and answers status queries without waiting on
// workers.
type Controller struct {
	opts        Options
	logger      zerolog.Logger
	broadcaster *Broadcaster

	mu    sync.RWMutex
	tests map[string]*execution
}

// NewController creates an empty registry.
func NewController(opts Options) *Controller {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.OutcomeBuffer <= 0 {
		opts.OutcomeBuffer = DefaultOutcomeBuffer
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.Resolver == nil {
		opts.Resolver = net.DefaultResolver
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Controller{
		opts:        opts,
		logger:      logger,
		broadcaster: NewBroadcaster(opts.SubscriberBuffer),
		tests:       make(map[string]*execution),
	}
}

// Start validates config, registers a new test in the idle state and runs it
// in the background. It returns as soon as the test is registered.
func (c *Controller) Start(config model.LoadTestConfig) (model.TestExecution, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return model.TestExecution{}, err
	}
	if c.opts.Ready != nil {
		if err := c.opts.Ready(); err != nil {
			return model.TestExecution{}, model.WrapError(model.KindUnavailable, err, "engine dependencies are not ready")
		}
	}

	id := uuid.NewV4().String()
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	exec := &execution{
		id:        id,
		config:    config,
		agg:       NewAggregator(id, now, c.opts.OutcomeBuffer, c.opts.Observer),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    c.logger.With().Str("test_id", id).Logger(),
		created:   now,
		status:    model.StatusIdle,
		startTime: now,
	}

	c.mu.Lock()
	if c.opts.MaxRunning > 0 && c.activeLocked() >= c.opts.MaxRunning {
		c.mu.Unlock()
		cancel()
		exec.agg.Close()
		return model.TestExecution{}, model.Errorf(model.KindUnavailable, "%d tests are already running", c.opts.MaxRunning)
	}
	c.tests[id] = exec
	c.mu.Unlock()

	exec.logger.Info().
		Str("status", string(model.StatusIdle)).
		Str("url", config.URL).
		Int("virtual_users", config.VirtualUsers).
		Int("ramp_up", config.RampUpTime).
		Int("duration", config.Duration).
		Msg("load test accepted")

	snapshot := exec.snapshot(false)
	go c.run(exec)
	return snapshot, nil
}

// activeLocked counts tests that are not terminal. c.mu must be held.
func (c *Controller) activeLocked() int {
	n := 0
	for _, e := range c.tests {
		if !e.currentStatus().Terminal() {
			n++
		}
	}
	return n
}

func (c *Controller) run(exec *execution) {
	defer close(exec.done)
	defer exec.cancel()

	if err := c.checkTarget(exec); err != nil {
		if exec.ctx.Err() != nil {
			c.finish(exec, model.StatusStopped, nil)
			return
		}
		c.finish(exec, model.StatusFailed, err)
		return
	}

	slots := RampSchedule(exec.config.VirtualUsers, exec.config.RampUp())
	if len(slots) == 0 {
		c.finish(exec, model.StatusFailed, model.Errorf(model.KindSetup, "no virtual users could be scheduled"))
		return
	}

	exec.mu.Lock()
	if exec.stopRequested {
		exec.mu.Unlock()
		c.finish(exec, model.StatusStopped, nil)
		return
	}
	start := time.Now()
	exec.status = model.StatusRunning
	exec.startTime = start
	exec.mu.Unlock()

	exec.agg.Begin(start)
	exec.logger.Info().Str("status", string(model.StatusRunning)).Int("workers", len(slots)).Msg("load test running")
	c.opts.Observer.TestStarted(exec.id)
	running := exec.snapshot(true)
	persisted := make(chan struct{})
	go func() {
		defer close(persisted)
		c.save(exec, running)
	}()

	deadline := start.Add(exec.config.TestDuration())
	runCtx, stopWorkers := context.WithDeadline(exec.ctx, deadline)
	defer stopWorkers()

	abortCtx, abort := context.WithCancel(context.Background())
	defer abort()
	drained := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
		case <-drained:
			return
		}
		timer := time.NewTimer(c.opts.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			exec.logger.Warn().Dur("drain_timeout", c.opts.DrainTimeout).Msg("aborting requests still in flight")
			abort()
		case <-drained:
		}
	}()

	samplerCtx, stopSampler := context.WithCancel(context.Background())
	samplerDone := make(chan struct{})
	go func() {
		defer close(samplerDone)
		c.broadcaster.Sample(samplerCtx, exec.id, c.opts.SampleInterval, exec.agg, exec.appendPoint)
	}()

	client := NewHTTPClient(exec.config)
	var pool errgroup.Group
	for _, slot := range slots {
		w := NewWorker(abortCtx, exec.id, slot, exec.config, client, exec.agg, deadline, exec.logger)
		pool.Go(func() error { return w.Run(runCtx) })
	}
	_ = pool.Wait()
	close(drained)
	client.CloseIdleConnections()

	exec.agg.Close()
	stopSampler()
	<-samplerDone
	if exec.agg.Pending() {
		point := exec.agg.Sample(time.Now())
		exec.appendPoint(point)
		c.broadcaster.Publish(exec.id, Message{Type: MessageMetric, TestID: exec.id, Status: model.StatusRunning, Point: &point})
	}

	// the running record must land before the terminal one
	<-persisted

	exec.mu.RLock()
	stopped := exec.stopRequested
	exec.mu.RUnlock()
	if stopped {
		c.finish(exec, model.StatusStopped, nil)
		return
	}
	c.finish(exec, model.StatusCompleted, nil)
}

// checkTarget fails the test when the target host cannot be resolved at all.
func (c *Controller) checkTarget(exec *execution) error {
	u, err := url.Parse(exec.config.URL)
	if err != nil {
		return model.WrapError(model.KindSetup, err, "target url cannot be parsed")
	}
	host := u.Hostname()
	if net.ParseIP(host) != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(exec.ctx, exec.config.RequestTimeout())
	defer cancel()
	addrs, err := c.opts.Resolver.LookupHost(ctx, host)
	if err != nil {
		return model.WrapError(model.KindSetup, err, "target host %q cannot be resolved", host)
	}
	if len(addrs) == 0 {
		return model.Errorf(model.KindSetup, "target host %q has no addresses", host)
	}
	return nil
}

// finish freezes the record in its terminal state. It runs exactly once per
// test, after the last MetricPoint.
func (c *Controller) finish(exec *execution, status model.Status, cause error) {
	exec.agg.Close()
	end := time.Now()

	exec.mu.Lock()
	summary := exec.agg.Summary(exec.startTime, end)
	exec.status = status
	exec.endTime = end
	exec.summary = &summary
	if cause != nil {
		exec.failure = toModelError(cause)
	}
	failure := exec.failure
	exec.mu.Unlock()

	event := exec.logger.Info()
	if status == model.StatusFailed {
		event = exec.logger.Error().Err(cause)
	}
	event.
		Str("status", string(status)).
		Str("result", string(summary.Status)).
		Int64("total_requests", summary.TotalRequests).
		Float64("error_rate", summary.ErrorRate).
		Float64("duration", summary.Duration).
		Msg("load test finished")

	c.opts.Observer.TestFinished(exec.id, status, summary)
	c.broadcaster.Finish(exec.id, Message{Type: MessageFinal, TestID: exec.id, Status: status, Summary: &summary, Error: failure})
	c.persist(exec)
}

func (c *Controller) persist(exec *execution) {
	c.save(exec, exec.snapshot(true))
}

func (c *Controller) save(exec *execution, snapshot model.TestExecution) {
	if c.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.opts.Store.SaveExecution(ctx, snapshot); err != nil {
		exec.logger.Error().Err(err).Msg("error persisting load test")
	}
}

func toModelError(err error) *model.Error {
	if e, ok := err.(*model.Error); ok {
		return e
	}
	return model.WrapError(model.KindInternal, err, "load test failed")
}

func (c *Controller) lookup(testID string) (*execution, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exec, ok := c.tests[testID]
	if !ok {
		return nil, model.NotFound(testID)
	}
	return exec, nil
}

// Stop asks a test to stop. It returns true only for the call that requested
// the stop; the test becomes stopped once its workers have drained. Stopping
// a terminal test, or one already stopping, returns false.
func (c *Controller) Stop(testID string) (bool, error) {
	exec, err := c.lookup(testID)
	if err != nil {
		return false, err
	}
	exec.mu.Lock()
	if exec.status.Terminal() || exec.stopRequested {
		exec.mu.Unlock()
		return false, nil
	}
	exec.stopRequested = true
	exec.mu.Unlock()

	exec.cancel()
	exec.logger.Info().Msg("stop requested")
	return true, nil
}

// Status returns a snapshot of a test. With history the full MetricPoint
// series is included, otherwise only the latest point.
func (c *Controller) Status(testID string, history bool) (model.TestExecution, error) {
	exec, err := c.lookup(testID)
	if err != nil {
		return model.TestExecution{}, err
	}
	return exec.snapshot(history), nil
}

// ListRunning returns the ids of running tests, oldest first.
func (c *Controller) ListRunning() []string {
	c.mu.RLock()
	running := make([]*execution, 0, len(c.tests))
	for _, e := range c.tests {
		if e.currentStatus() == model.StatusRunning {
			running = append(running, e)
		}
	}
	c.mu.RUnlock()

	sort.Slice(running, func(i, j int) bool {
		return running[i].created.Before(running[j].created)
	})
	ids := make([]string, len(running))
	for i, e := range running {
		ids[i] = e.id
	}
	return ids
}

// Subscribe returns a live metric subscription for testID. Subscribing to a
// terminal test yields its final message and an already closed channel.
func (c *Controller) Subscribe(testID string) (*Subscription, error) {
	exec, err := c.lookup(testID)
	if err != nil {
		return nil, err
	}
	exec.mu.RLock()
	defer exec.mu.RUnlock()
	if exec.status.Terminal() {
		var summary *model.TestResultSummary
		if exec.summary != nil {
			s := *exec.summary
			summary = &s
		}
		return closedSubscription(Message{Type: MessageFinal, TestID: testID, Status: exec.status, Summary: summary, Error: exec.failure}), nil
	}
	return c.broadcaster.Subscribe(testID), nil
}

// Wait blocks until the test is terminal or ctx is done, in which case it
// returns the current snapshot and a KindCancelled error.
func (c *Controller) Wait(ctx context.Context, testID string) (model.TestExecution, error) {
	exec, err := c.lookup(testID)
	if err != nil {
		return model.TestExecution{}, err
	}
	select {
	case <-exec.done:
		return exec.snapshot(true), nil
	case <-ctx.Done():
		return exec.snapshot(false), model.WrapError(model.KindCancelled, ctx.Err(), "stopped waiting for test %s", testID)
	}
}

// Forget removes a terminal test from the registry once it has been
// persisted. It returns false for tests that are still active.
func (c *Controller) Forget(testID string) (bool, error) {
	exec, err := c.lookup(testID)
	if err != nil {
		return false, err
	}
	if !exec.currentStatus().Terminal() {
		return false, nil
	}
	<-exec.done

	c.mu.Lock()
	delete(c.tests, testID)
	c.mu.Unlock()
	return true, nil
}

// Prune forgets terminal tests that ended more than Retention before now and
// returns how many were removed.
func (c *Controller) Prune(now time.Time) int {
	if c.opts.Retention <= 0 {
		return 0
	}
	cutoff := now.Add(-c.opts.Retention)

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, e := range c.tests {
		select {
		case <-e.done:
		default:
			continue
		}
		e.mu.RLock()
		expired := e.endTime.Before(cutoff)
		e.mu.RUnlock()
		if expired {
			delete(c.tests, id)
			removed++
		}
	}
	return removed
}

// Shutdown stops every active test and waits for them to finish or for ctx.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.RLock()
	active := make([]*execution, 0, len(c.tests))
	for _, e := range c.tests {
		if !e.currentStatus().Terminal() {
			active = append(active, e)
		}
	}
	c.mu.RUnlock()

	for _, e := range active {
		if _, err := c.Stop(e.id); err != nil {
			return err
		}
	}
	for _, e := range active {
		select {
		case <-e.done:
		case <-ctx.Done():
			return model.WrapError(model.KindCancelled, ctx.Err(), "test %s did not stop in time", e.id)
		}
	}
	return nil
}
