package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javking07/toadrunner/model"
)

func metricMessage(testID string, rps float64) Message {
	return Message{Type: MessageMetric, TestID: testID, Status: model.StatusRunning, Point: &model.MetricPoint{RequestsPerSecond: rps}}
}

func drain(sub *Subscription) []Message {
	var out []Message
	for msg := range sub.C {
		out = append(out, msg)
	}
	return out
}

func TestBroadcaster_PublishAndFinish(t *testing.T) {
	b := NewBroadcaster(8)
	first := b.Subscribe("t1")
	second := b.Subscribe("t1")
	other := b.Subscribe("t2")
	assert.Equal(t, 2, b.Subscribers("t1"))

	b.Publish("t1", metricMessage("t1", 1))
	b.Publish("t1", metricMessage("t1", 2))
	b.Finish("t1", Message{Type: MessageFinal, TestID: "t1", Status: model.StatusCompleted})

	for _, sub := range []*Subscription{first, second} {
		msgs := drain(sub)
		require.Len(t, msgs, 3)
		assert.Equal(t, 1.0, msgs[0].Point.RequestsPerSecond)
		assert.Equal(t, 2.0, msgs[1].Point.RequestsPerSecond)
		assert.Equal(t, MessageFinal, msgs[2].Type)
		assert.Equal(t, model.StatusCompleted, msgs[2].Status)
	}
	assert.Zero(t, b.Subscribers("t1"))
	assert.Equal(t, 1, b.Subscribers("t2"))
	assert.Empty(t, other.C)
}

func TestBroadcaster_LateSubscriberMissesHistory(t *testing.T) {
	b := NewBroadcaster(8)
	b.Publish("t1", metricMessage("t1", 1))

	sub := b.Subscribe("t1")
	b.Publish("t1", metricMessage("t1", 2))
	b.Finish("t1", Message{Type: MessageFinal, TestID: "t1", Status: model.StatusStopped})

	msgs := drain(sub)
	require.Len(t, msgs, 2)
	assert.Equal(t, 2.0, msgs[0].Point.RequestsPerSecond)
	assert.Equal(t, MessageFinal, msgs[1].Type)
}

func TestBroadcaster_SlowSubscriberGetsFinal(t *testing.T) {
	b := NewBroadcaster(2)
	sub := b.Subscribe("t1")
	for i := 0; i < 10; i++ {
		b.Publish("t1", metricMessage("t1", float64(i)))
	}
	b.Finish("t1", Message{Type: MessageFinal, TestID: "t1", Status: model.StatusCompleted})

	msgs := drain(sub)
	require.Len(t, msgs, 2)
	assert.Equal(t, MessageMetric, msgs[0].Type)
	assert.Equal(t, MessageFinal, msgs[1].Type)
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(4)
	sub := b.Subscribe("t1")
	sub.Close()
	sub.Close()

	_, open := <-sub.C
	assert.False(t, open)
	assert.Zero(t, b.Subscribers("t1"))

	b.Publish("t1", metricMessage("t1", 1))
	b.Finish("t1", Message{Type: MessageFinal, TestID: "t1"})
}

func TestClosedSubscription(t *testing.T) {
	sub := closedSubscription(Message{Type: MessageFinal, TestID: "t1", Status: model.StatusFailed})
	msgs := drain(sub)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusFailed, msgs[0].Status)
	sub.Close()
}

func TestBroadcaster_Sample(t *testing.T) {
	b := NewBroadcaster(16)
	sub := b.Subscribe("t1")
	agg := NewAggregator("t1", time.Now(), 16, nil)
	defer agg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var recorded []model.MetricPoint
	go func() {
		defer close(done)
		b.Sample(ctx, "t1", 20*time.Millisecond, agg, func(p model.MetricPoint) {
			recorded = append(recorded, p)
		})
	}()

	agg.Add(outcome(5*time.Millisecond, 200, ""))
	select {
	case msg := <-sub.C:
		assert.Equal(t, MessageMetric, msg.Type)
		require.NotNil(t, msg.Point)
	case <-time.After(time.Second):
		t.Fatal("no metric published")
	}
	cancel()
	<-done
	assert.NotEmpty(t, recorded)
}
