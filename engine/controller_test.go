package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javking07/toadrunner/model"
)

type fakeResolver struct {
	err error
}

func (r fakeResolver) LookupHost(context.Context, string) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	return []string{"127.0.0.1"}, nil
}

type memoryStore struct {
	delay time.Duration

	mu    sync.Mutex
	saved map[string][]model.Status
}

func (s *memoryStore) SaveExecution(_ context.Context, e model.TestExecution) error {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string][]model.Status)
	}
	s.saved[e.TestID] = append(s.saved[e.TestID], e.Status)
	return nil
}

func (s *memoryStore) statuses(id string) []model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Status(nil), s.saved[id]...)
}

func newTestController(opts Options) *Controller {
	logger := zerolog.Nop()
	opts.Logger = &logger
	if opts.SampleInterval == 0 {
		opts.SampleInterval = 100 * time.Millisecond
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 2 * time.Second
	}
	return NewController(opts)
}

func slowServer(delay time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
}

func testConfig(url string, users, rampUp, duration int) model.LoadTestConfig {
	return model.LoadTestConfig{
		URL:          url,
		VirtualUsers: users,
		RampUpTime:   rampUp,
		Duration:     duration,
	}
}

func wait(t *testing.T, c *Controller, id string, limit time.Duration) model.TestExecution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()
	e, err := c.Wait(ctx, id)
	require.NoError(t, err, "test %s did not finish in %s", id, limit)
	return e
}

func TestController_Completed(t *testing.T) {
	server := slowServer(50 * time.Millisecond)
	defer server.Close()
	store := &memoryStore{}
	c := newTestController(Options{Store: store})

	started, err := c.Start(testConfig(server.URL, 1, 0, 2))
	require.NoError(t, err)
	require.NotEmpty(t, started.TestID)
	assert.Contains(t, []model.Status{model.StatusIdle, model.StatusRunning}, started.Status)

	e := wait(t, c, started.TestID, 10*time.Second)
	assert.Equal(t, model.StatusCompleted, e.Status)
	require.NotNil(t, e.Summary)
	require.NotNil(t, e.EndTime)
	assert.Nil(t, e.Error)
	assert.Nil(t, e.Live)

	s := e.Summary
	assert.Equal(t, model.ResultSuccess, s.Status)
	assert.Zero(t, s.ErrorRate)
	assert.InDelta(t, 38, s.TotalRequests, 9)
	assert.Equal(t, s.TotalRequests, s.SuccessfulRequests+s.FailedRequests)
	assert.True(t, s.AvgResponseTime >= 50, "average %f", s.AvgResponseTime)
	assert.InDelta(t, 2.0, s.Duration, 0.5)
	assert.False(t, e.EndTime.Before(e.StartTime))

	require.NotEmpty(t, e.Metrics)
	for i, p := range e.Metrics {
		assert.True(t, p.ErrorRate >= 0 && p.ErrorRate <= 1)
		assert.True(t, p.ActiveUsers <= 1)
		if i > 0 {
			assert.False(t, p.Timestamp.Before(e.Metrics[i-1].Timestamp))
		}
	}

	assert.Equal(t, []model.Status{model.StatusRunning, model.StatusCompleted}, store.statuses(started.TestID))
	assert.Empty(t, c.ListRunning())
}

func TestController_SlowStore(t *testing.T) {
	server := slowServer(50 * time.Millisecond)
	defer server.Close()
	store := &memoryStore{delay: 500 * time.Millisecond}
	c := newTestController(Options{Store: store})

	started, err := c.Start(testConfig(server.URL, 1, 0, 1))
	require.NoError(t, err)

	e := wait(t, c, started.TestID, 10*time.Second)
	assert.Equal(t, model.StatusCompleted, e.Status)
	assert.InDelta(t, 19, e.Summary.TotalRequests, 5)
	assert.Equal(t, []model.Status{model.StatusRunning, model.StatusCompleted}, store.statuses(started.TestID))
}

func TestController_RampActiveUsers(t *testing.T) {
	server := slowServer(20 * time.Millisecond)
	defer server.Close()
	c := newTestController(Options{SampleInterval: time.Second})

	started, err := c.Start(testConfig(server.URL, 20, 2, 3))
	require.NoError(t, err)

	e := wait(t, c, started.TestID, 15*time.Second)
	assert.Equal(t, model.StatusCompleted, e.Status)
	require.True(t, len(e.Metrics) >= 2, "got %d points", len(e.Metrics))
	assert.InDelta(t, 10, e.Metrics[0].ActiveUsers, 2, "half the users start in the first half of the ramp")
	assert.Equal(t, 20, e.Metrics[1].ActiveUsers)
}

func TestController_SnapshotsDoNotShareConfig(t *testing.T) {
	var mu sync.Mutex
	tokens := map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tokens[r.Header.Get("X-Token")]++
		mu.Unlock()
	}))
	defer server.Close()
	c := newTestController(Options{})

	config := testConfig(server.URL, 2, 0, 1)
	config.Headers = map[string]string{"X-Token": "abc"}
	config.ExpectedStatusCodes = []int{http.StatusOK}
	started, err := c.Start(config)
	require.NoError(t, err)

	started.Config.Headers["X-Token"] = "changed"
	started.Config.ExpectedStatusCodes[0] = http.StatusInternalServerError
	status, err := c.Status(started.TestID, false)
	require.NoError(t, err)
	status.Config.Headers["X-Token"] = "changed"
	status.Config.ExpectedStatusCodes[0] = http.StatusInternalServerError

	e := wait(t, c, started.TestID, 10*time.Second)
	assert.Equal(t, model.ResultSuccess, e.Summary.Status)
	assert.Empty(t, e.Summary.Failures)
	assert.Equal(t, "abc", e.Config.Headers["X-Token"])
	assert.Equal(t, []int{http.StatusOK}, e.Config.ExpectedStatusCodes)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, tokens, 1)
	assert.True(t, tokens["abc"] > 0)
}

func TestController_WaitCancelled(t *testing.T) {
	server := slowServer(10 * time.Millisecond)
	defer server.Close()
	c := newTestController(Options{})

	started, err := c.Start(testConfig(server.URL, 1, 0, 10))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	e, err := c.Wait(ctx, started.TestID)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindCancelled))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, e.Status.Terminal())

	_, err = c.Stop(started.TestID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, wait(t, c, started.TestID, 10*time.Second).Status)
}

func TestController_AllRequestsTimeOut(t *testing.T) {
	server := slowServer(10 * time.Second)
	defer server.Close()
	c := newTestController(Options{})

	config := testConfig(server.URL, 1, 0, 2)
	config.Timeout = model.MinTimeoutMs
	started, err := c.Start(config)
	require.NoError(t, err)

	e := wait(t, c, started.TestID, 10*time.Second)
	assert.Equal(t, model.StatusCompleted, e.Status)
	require.NotNil(t, e.Summary)
	assert.Equal(t, model.ResultError, e.Summary.Status)
	assert.Zero(t, e.Summary.SuccessfulRequests)
	assert.True(t, e.Summary.TotalRequests >= 1)
	assert.Equal(t, 1.0, e.Summary.ErrorRate)
	assert.Equal(t, e.Summary.TotalRequests, e.Summary.Failures[string(FailureTimeout)])
}

func TestController_Stop(t *testing.T) {
	server := slowServer(50 * time.Millisecond)
	defer server.Close()
	c := newTestController(Options{})

	started, err := c.Start(testConfig(server.URL, 5, 0, 10))
	require.NoError(t, err)

	time.Sleep(time.Second)
	assert.Contains(t, c.ListRunning(), started.TestID)

	stopped, err := c.Stop(started.TestID)
	require.NoError(t, err)
	assert.True(t, stopped)

	again, err := c.Stop(started.TestID)
	require.NoError(t, err)
	assert.False(t, again)

	e := wait(t, c, started.TestID, 5*time.Second)
	assert.Equal(t, model.StatusStopped, e.Status)
	require.NotNil(t, e.EndTime)
	assert.InDelta(t, 1.0, e.EndTime.Sub(e.StartTime).Seconds(), 0.5)
	require.NotNil(t, e.Summary)
	assert.InDelta(t, 1.0, e.Summary.Duration, 0.5)

	afterEnd, err := c.Stop(started.TestID)
	require.NoError(t, err)
	assert.False(t, afterEnd)

	status, err := c.Status(started.TestID, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, status.Status)
	assert.Empty(t, status.Metrics)
}

func TestController_Status(t *testing.T) {
	server := slowServer(10 * time.Millisecond)
	defer server.Close()
	c := newTestController(Options{})

	started, err := c.Start(testConfig(server.URL, 2, 1, 3))
	require.NoError(t, err)
	defer func() {
		_, _ = c.Stop(started.TestID)
		wait(t, c, started.TestID, 5*time.Second)
	}()

	time.Sleep(500 * time.Millisecond)
	e, err := c.Status(started.TestID, true)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, e.Status)
	assert.Nil(t, e.Summary)
	assert.Nil(t, e.EndTime)
	require.NotNil(t, e.Live)
	assert.True(t, e.Live.TotalRequests > 0)
	require.NotNil(t, e.Latest)
	require.NotEmpty(t, e.Metrics)
	assert.Equal(t, *e.Latest, e.Metrics[len(e.Metrics)-1])
}

func TestController_Errors(t *testing.T) {
	c := newTestController(Options{})

	tests := map[string]struct {
		call func() error
		kind model.ErrorKind
	}{
		"start with invalid config": {
			call: func() error {
				_, err := c.Start(testConfig("not a url", 1, 0, 1))
				return err
			},
			kind: model.KindValidation,
		},
		"start with ramp longer than duration": {
			call: func() error {
				_, err := c.Start(testConfig("http://127.0.0.1:1/", 1, 5, 2))
				return err
			},
			kind: model.KindValidation,
		},
		"status of unknown test": {
			call: func() error {
				_, err := c.Status("missing", false)
				return err
			},
			kind: model.KindNotFound,
		},
		"stop of unknown test": {
			call: func() error {
				_, err := c.Stop("missing")
				return err
			},
			kind: model.KindNotFound,
		},
		"subscribe to unknown test": {
			call: func() error {
				_, err := c.Subscribe("missing")
				return err
			},
			kind: model.KindNotFound,
		},
		"wait on unknown test": {
			call: func() error {
				_, err := c.Wait(context.Background(), "missing")
				return err
			},
			kind: model.KindNotFound,
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := test.call()
			require.Error(t, err)
			assert.Equal(t, test.kind, model.KindOf(err))
		})
	}
	assert.Empty(t, c.ListRunning())
}

func TestController_SetupFailure(t *testing.T) {
	c := newTestController(Options{Resolver: fakeResolver{err: errors.New("no such host")}})

	started, err := c.Start(testConfig("http://load-target.invalid/", 3, 0, 5))
	require.NoError(t, err)

	e := wait(t, c, started.TestID, 5*time.Second)
	assert.Equal(t, model.StatusFailed, e.Status)
	require.NotNil(t, e.Error)
	assert.Equal(t, model.KindSetup, e.Error.Kind)
	require.NotNil(t, e.Summary)
	assert.Zero(t, e.Summary.TotalRequests)
	assert.Equal(t, model.ResultError, e.Summary.Status)

	sub, err := c.Subscribe(started.TestID)
	require.NoError(t, err)
	msgs := drain(sub)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageFinal, msgs[0].Type)
	assert.Equal(t, model.StatusFailed, msgs[0].Status)
	require.NotNil(t, msgs[0].Error)
	assert.Equal(t, model.KindSetup, msgs[0].Error.Kind)
}

func TestController_Subscribe(t *testing.T) {
	server := slowServer(10 * time.Millisecond)
	defer server.Close()
	c := newTestController(Options{})

	started, err := c.Start(testConfig(server.URL, 2, 0, 1))
	require.NoError(t, err)
	sub, err := c.Subscribe(started.TestID)
	require.NoError(t, err)

	var msgs []Message
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				done = true
				break
			}
			msgs = append(msgs, msg)
		case <-timeout:
			t.Fatal("subscription was not closed")
		}
	}

	require.NotEmpty(t, msgs)
	final := msgs[len(msgs)-1]
	assert.Equal(t, MessageFinal, final.Type)
	assert.Equal(t, model.StatusCompleted, final.Status)
	require.NotNil(t, final.Summary)
	for _, msg := range msgs[:len(msgs)-1] {
		assert.Equal(t, MessageMetric, msg.Type)
	}
}

func TestController_ReadyGate(t *testing.T) {
	c := newTestController(Options{Ready: func() error { return errors.New("database down") }})
	_, err := c.Start(testConfig("http://127.0.0.1:1/", 1, 0, 1))
	require.Error(t, err)
	assert.Equal(t, model.KindUnavailable, model.KindOf(err))
}

func TestController_MaxRunning(t *testing.T) {
	server := slowServer(10 * time.Millisecond)
	defer server.Close()
	c := newTestController(Options{MaxRunning: 1})

	first, err := c.Start(testConfig(server.URL, 1, 0, 5))
	require.NoError(t, err)

	_, err = c.Start(testConfig(server.URL, 1, 0, 5))
	require.Error(t, err)
	assert.Equal(t, model.KindUnavailable, model.KindOf(err))

	require.NoError(t, c.Shutdown(context.Background()))
	e, err := c.Status(first.TestID, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, e.Status)

	second, err := c.Start(testConfig(server.URL, 1, 0, 1))
	require.NoError(t, err)
	wait(t, c, second.TestID, 5*time.Second)
}

func TestController_PruneAndForget(t *testing.T) {
	c := newTestController(Options{Retention: time.Minute, Resolver: fakeResolver{err: errors.New("no such host")}})

	finished, err := c.Start(testConfig("http://load-target.invalid/", 1, 0, 1))
	require.NoError(t, err)
	wait(t, c, finished.TestID, 5*time.Second)

	assert.Zero(t, c.Prune(time.Now()))
	assert.Equal(t, 1, c.Prune(time.Now().Add(2*time.Minute)))

	_, err = c.Status(finished.TestID, false)
	assert.True(t, model.IsKind(err, model.KindNotFound))

	_, err = c.Forget(finished.TestID)
	assert.True(t, model.IsKind(err, model.KindNotFound))

	other, err := c.Start(testConfig("http://load-target.invalid/", 1, 0, 1))
	require.NoError(t, err)
	wait(t, c, other.TestID, 5*time.Second)
	forgotten, err := c.Forget(other.TestID)
	require.NoError(t, err)
	assert.True(t, forgotten)
}

func TestController_ConcurrentTests(t *testing.T) {
	server := slowServer(5 * time.Millisecond)
	defer server.Close()
	c := newTestController(Options{})

	ids := make([]string, 3)
	for i := range ids {
		e, err := c.Start(testConfig(server.URL, 2, 0, 1))
		require.NoError(t, err)
		ids[i] = e.TestID
	}
	for _, id := range ids {
		e := wait(t, c, id, 5*time.Second)
		assert.Equal(t, model.StatusCompleted, e.Status)
		assert.True(t, e.Summary.TotalRequests > 0)
	}
}
