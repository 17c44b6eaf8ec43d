package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventsDeliveredInOrder(t *testing.T) {
	p := NewPublisher(16)
	c := NewCollector()
	p.Subscribe(c.Observe)

	for i := 0; i < 5; i++ {
		p.Publish(Event{Stage: "backup", Ordinal: i, Total: 5, Status: StatusRunning})
	}
	p.Close()

	events := c.Events()
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, i, e.Ordinal)
		assert.False(t, e.At.IsZero())
	}
}

func TestMultipleObserversSeeEverything(t *testing.T) {
	p := NewPublisher(8)
	a, b := NewCollector(), NewCollector()
	p.Subscribe(a.Observe)
	p.Subscribe(b.Observe)

	p.Publish(Event{Stage: "preflight", Status: StatusCompleted})
	p.Publish(Event{Stage: "backup", Status: StatusFailed})
	p.Close()

	assert.Len(t, a.Events(), 2)
	assert.Len(t, b.Events(), 2)
}

func TestPublishAfterCloseIsNoOp(t *testing.T) {
	p := NewPublisher(4)
	c := NewCollector()
	p.Subscribe(c.Observe)

	p.Publish(Event{Stage: "preflight", Status: StatusCompleted})
	p.Close()
	p.Publish(Event{Stage: "late", Status: StatusCompleted})
	p.Close()

	assert.Len(t, c.Events(), 1)
}

func TestFormatEvent(t *testing.T) {
	line := FormatEvent(Event{Stage: "push-framework", Ordinal: 2, Total: 9, Status: StatusRetrying, Message: "connection interrupted"})
	assert.Equal(t, "[3/9] push-framework: RETRYING connection interrupted", line)
}
