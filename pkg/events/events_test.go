package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&Event{
		Type:    EventJobSubmitted,
		Message: "job queued",
		Metadata: map[string]string{
			"job_id": "j-1",
		},
	})

	select {
	case ev := <-sub:
		assert.Equal(t, EventJobSubmitted, ev.Type)
		assert.Equal(t, "j-1", ev.Metadata["job_id"])
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
}

func TestPublishDoesNotBlockWhenFull(t *testing.T) {
	broker := NewBroker()
	// Broker not started: eventCh fills up and publishes must drop.
	for i := 0; i < 200; i++ {
		broker.Publish(&Event{Type: EventJobStarted})
	}
}
