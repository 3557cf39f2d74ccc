package observe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	o := New[int]()
	a, cancelA := o.Subscribe()
	b, cancelB := o.Subscribe()
	defer cancelA()
	defer cancelB()

	o.Publish(7)
	assert.Equal(t, 7, <-a)
	assert.Equal(t, 7, <-b)
}

func TestReplayDeliversLastValue(t *testing.T) {
	o := NewReplay("idle")
	o.Publish("syncing")

	ch, cancel := o.Subscribe()
	defer cancel()
	assert.Equal(t, "syncing", <-ch, "late subscriber sees the latest value")
	assert.Equal(t, "syncing", o.Value())
}

func TestReplaySeedValue(t *testing.T) {
	o := NewReplay(42)
	ch, cancel := o.Subscribe()
	defer cancel()
	assert.Equal(t, 42, <-ch)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	o := New[int]()
	ch, cancel := o.Subscribe()
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open, "unsubscribed channel is closed")

	// Publishing after unsubscribe must not panic.
	o.Publish(1)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	o := New[int]()
	_, cancel := o.Subscribe()
	defer cancel()

	// Way past the channel buffer; Publish must never stall.
	for i := 0; i < subscriberBuffer*4; i++ {
		o.Publish(i)
	}
}

func TestClose(t *testing.T) {
	o := New[int]()
	ch, _ := o.Subscribe()
	o.Close()

	_, open := <-ch
	require.False(t, open)

	// Subscribe after close yields a closed channel.
	ch2, _ := o.Subscribe()
	_, open = <-ch2
	assert.False(t, open)
}
