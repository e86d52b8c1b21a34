package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisBusFixture(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisBus_PublishAndSubscribe(t *testing.T) {
	_, client := newRedisBusFixture(t)

	bus, err := NewRedisBus(client, "test:events", nil)
	require.NoError(t, err)
	defer bus.Close()

	received := make(chan Event, 1)
	bus.Subscribe(KindRunCompleted, func(e Event) { received <- e })

	event := New(KindRunCompleted, "run-1")
	event.RunStatus = "completed"
	require.NoError(t, bus.Publish(context.Background(), event))

	got := collect(t, received)
	assert.Equal(t, KindRunCompleted, got.Kind)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "completed", got.RunStatus)
}

func TestRedisBus_CrossInstanceDelivery(t *testing.T) {
	mr, publisher := newRedisBusFixture(t)
	subscriberClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = subscriberClient.Close() })

	pubBus, err := NewRedisBus(publisher, "test:events", nil)
	require.NoError(t, err)
	defer pubBus.Close()

	subBus, err := NewRedisBus(subscriberClient, "test:events", nil)
	require.NoError(t, err)
	defer subBus.Close()

	received := make(chan Event, 1)
	subBus.Subscribe(KindAll, func(e Event) { received <- e })

	require.NoError(t, pubBus.Publish(context.Background(), New(KindNodeCompleted, "run-9")))

	got := collect(t, received)
	assert.Equal(t, KindNodeCompleted, got.Kind)
	assert.Equal(t, "run-9", got.RunID)
}

func TestRedisBus_UnsubscribeStopsDelivery(t *testing.T) {
	_, client := newRedisBusFixture(t)

	bus, err := NewRedisBus(client, "test:events", nil)
	require.NoError(t, err)
	defer bus.Close()

	received := make(chan Event, 1)
	id := bus.Subscribe(KindRunStarted, func(e Event) { received <- e })
	bus.Unsubscribe(id)

	require.NoError(t, bus.Publish(context.Background(), New(KindRunStarted, "run-1")))

	select {
	case <-received:
		t.Fatal("unsubscribed handler still received an event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBus_MalformedPayloadIgnored(t *testing.T) {
	_, client := newRedisBusFixture(t)

	bus, err := NewRedisBus(client, "test:events", nil)
	require.NoError(t, err)
	defer bus.Close()

	received := make(chan Event, 1)
	bus.Subscribe(KindRunStarted, func(e Event) { received <- e })

	// 原始乱包不应影响后续投递
	require.NoError(t, client.Publish(context.Background(), "test:events:run_started", "{not json").Err())
	require.NoError(t, bus.Publish(context.Background(), New(KindRunStarted, "run-2")))

	got := collect(t, received)
	assert.Equal(t, "run-2", got.RunID)
}
