package engine

import (
	"context"
	"sync"
	"time"

	"github.com/javking07/toadrunner/model"
)

// MessageType tells subscribers what a Message carries.
type MessageType string

const (
	MessageMetric MessageType = "metric"
	MessageFinal  MessageType = "final"
)

// Message is one item on a subscription. Metric messages carry Point; the
// final message carries Summary and the terminal Status.
type Message struct {
	Type    MessageType              `json:"type"`
	TestID  string                   `json:"testId"`
	Status  model.Status             `json:"status"`
	Point   *model.MetricPoint       `json:"point,omitempty"`
	Summary *model.TestResultSummary `json:"summary,omitempty"`
	Error   *model.Error             `json:"error,omitempty"`
}

// Subscription delivers the messages published for one test after the
// subscription was created. C is closed after the final message or when
// Close is called.
type Subscription struct {
	C <-chan Message

	ch     chan Message
	testID string
	b      *Broadcaster
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	if s.b != nil {
		s.b.unsubscribe(s)
	}
}

// Broadcaster fans metric snapshots out to subscribers keyed by test id.
// Publishing never blocks: a subscriber that falls behind misses metric
// messages but always receives the final one.
type Broadcaster struct {
	buffer int

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// NewBroadcaster creates a broadcaster whose subscriptions buffer up to
// buffer messages.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 1
	}
	return &Broadcaster{
		buffer: buffer,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscriber for testID.
func (b *Broadcaster) Subscribe(testID string) *Subscription {
	ch := make(chan Message, b.buffer)
	s := &Subscription{C: ch, ch: ch, testID: testID, b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[testID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[testID] = set
	}
	set[s] = struct{}{}
	return s
}

// closedSubscription returns a subscription that yields msg once and is already closed.
func closedSubscription(msg Message) *Subscription {
	ch := make(chan Message, 1)
	ch <- msg
	close(ch)
	return &Subscription{C: ch, ch: ch, testID: msg.TestID}
}

func (b *Broadcaster) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[s.testID]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.testID)
	}
	close(s.ch)
}

// Subscribers counts the live subscriptions for testID.
func (b *Broadcaster) Subscribers(testID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[testID])
}

// Publish offers msg to every subscriber of testID without waiting.
func (b *Broadcaster) Publish(testID string, msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[testID] {
		select {
		case s.ch <- msg:
		default:
		}
	}
}

// Finish delivers msg to every subscriber of testID, evicting the oldest
// buffered message if needed, then closes and forgets the subscriptions.
func (b *Broadcaster) Finish(testID string, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[testID] {
		select {
		case s.ch <- msg:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- msg:
			default:
			}
		}
		close(s.ch)
	}
	delete(b.subs, testID)
}

// Sample is the sampling task of one running test: every interval it closes
// the aggregator's window, hands the point to record and publishes it. It
// returns when ctx is done.
func (b *Broadcaster) Sample(ctx context.Context, testID string, interval time.Duration, agg *Aggregator, record func(model.MetricPoint)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			point := agg.Sample(t)
			record(point)
			b.Publish(testID, Message{Type: MessageMetric, TestID: testID, Status: model.StatusRunning, Point: &point})
		}
	}
}
