package engine

import "github.com/javking07/toadrunner/model"

// Observer is notified of engine activity, for example to export metrics.
// RequestDone runs on the aggregator goroutine and must not block.
type Observer interface {
	TestStarted(testID string)
	TestFinished(testID string, status model.Status, summary model.TestResultSummary)
	WorkerStarted(testID string)
	WorkerStopped(testID string)
	RequestDone(testID string, o Outcome)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) TestStarted(string)                                        {}
func (NopObserver) TestFinished(string, model.Status, model.TestResultSummary) {}
func (NopObserver) WorkerStarted(string)                                      {}
func (NopObserver) WorkerStopped(string)                                      {}
func (NopObserver) RequestDone(string, Outcome)                               {}
