package model

import (
	"context"
	"time"
)

// Status is the lifecycle state of a test execution.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether no further transitions can happen from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// ResultStatus grades a finished test by its request outcomes.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
	ResultPartial ResultStatus = "partial"
)

// MetricPoint summarizes one sampling window. Latencies are in milliseconds.
type MetricPoint struct {
	Timestamp         time.Time `json:"timestamp"`
	RequestsPerSecond float64   `json:"requestsPerSecond"`
	AverageLatency    float64   `json:"averageLatency"`
	MaxLatency        float64   `json:"maxLatency"`
	ErrorRate         float64   `json:"errorRate"`
	ActiveUsers       int       `json:"activeUsers"`
}

// TestResultSummary is derived once when a test is finalized. Latencies are
// in milliseconds, Duration in seconds.
type TestResultSummary struct {
	TotalRequests      int64            `json:"totalRequests"`
	SuccessfulRequests int64            `json:"successfulRequests"`
	FailedRequests     int64            `json:"failedRequests"`
	AvgResponseTime    float64          `json:"avgResponseTime"`
	MinResponseTime    float64          `json:"minResponseTime"`
	MaxResponseTime    float64          `json:"maxResponseTime"`
	P50ResponseTime    float64          `json:"p50ResponseTime"`
	P90ResponseTime    float64          `json:"p90ResponseTime"`
	P95ResponseTime    float64          `json:"p95ResponseTime"`
	P99ResponseTime    float64          `json:"p99ResponseTime"`
	RequestsPerSecond  float64          `json:"requestsPerSecond"`
	ErrorRate          float64          `json:"errorRate"`
	BytesIn            int64            `json:"bytesIn"`
	BytesOut           int64            `json:"bytesOut"`
	StatusCodes        map[string]int64 `json:"statusCodes,omitempty"`
	Failures           map[string]int64 `json:"failures,omitempty"`
	Status             ResultStatus     `json:"status"`
	Duration           float64          `json:"duration"`
}

// LiveCounters are the running totals of a test that has not finished yet.
type LiveCounters struct {
	TotalRequests  int64 `json:"totalRequests"`
	FailedRequests int64 `json:"failedRequests"`
	ActiveUsers    int   `json:"activeUsers"`
}

// TestExecution is a point-in-time copy of one test's record.
type TestExecution struct {
	TestID    string             `json:"testId"`
	Status    Status             `json:"status"`
	Config    LoadTestConfig     `json:"config"`
	StartTime time.Time          `json:"startTime"`
	EndTime   *time.Time         `json:"endTime,omitempty"`
	Latest    *MetricPoint       `json:"latest,omitempty"`
	Metrics   []MetricPoint      `json:"metrics,omitempty"`
	Live      *LiveCounters      `json:"live,omitempty"`
	Summary   *TestResultSummary `json:"summary,omitempty"`
	Error     *Error             `json:"error,omitempty"`
}

// Name is the label stored next to persisted executions.
func (e TestExecution) Name() string {
	return e.Config.Method + " " + e.Config.URL
}

// Storage persists test execution records.
type Storage interface {
	Init(query string) error
	SaveExecution(ctx context.Context, execution TestExecution) error
	Select(ctx context.Context, testID string) (TestExecution, error)
	SelectAll(ctx context.Context, count, start int) ([]TestExecution, error)
	Delete(ctx context.Context, testID string) error
	Healthy() error
	Purge(table string) error
	Close() error
}
