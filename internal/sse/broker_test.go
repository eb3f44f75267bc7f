package sse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/adgenius/carousel-tv/internal/redis"
)

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case event := <-c.Events:
		return event
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestLocalBroker(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers to subscribers of the topic only", func(t *testing.T) {
		b := NewBroker(nil)
		defer b.Close()

		setup := b.Subscribe("setup:ABCD-1234")
		other := b.Subscribe("device:tv-1")

		require.NoError(t, b.PublishJSON(ctx, "setup:ABCD-1234", "state", map[string]string{"phase": "linked"}))

		event := receive(t, setup)
		assert.Equal(t, "state", event.Type)
		assert.JSONEq(t, `{"phase":"linked"}`, string(event.Data))
		assert.Empty(t, other.Events)
	})

	t.Run("publishing to a topic without clients is a no-op", func(t *testing.T) {
		b := NewBroker(nil)
		defer b.Close()

		assert.NoError(t, b.Publish(ctx, "nobody", Event{Type: "state"}))
	})

	t.Run("unsubscribe closes the client once", func(t *testing.T) {
		b := NewBroker(nil)
		defer b.Close()

		c := b.Subscribe("device:tv-1")
		assert.Equal(t, 1, b.ClientCount("device:tv-1"))

		b.Unsubscribe(c)
		b.Unsubscribe(c)

		_, open := <-c.Done
		assert.False(t, open)
		assert.Equal(t, 0, b.ClientCount("device:tv-1"))
		assert.Equal(t, 0, b.TotalClients())
	})

	t.Run("close ends every client", func(t *testing.T) {
		b := NewBroker(nil)
		first := b.Subscribe("a")
		second := b.Subscribe("b")
		assert.Equal(t, 2, b.TotalClients())

		b.Close()

		_, open := <-first.Done
		assert.False(t, open)
		_, open = <-second.Done
		assert.False(t, open)
		b.Unsubscribe(first)
	})

	t.Run("full buffers drop events", func(t *testing.T) {
		b := NewBroker(nil)
		defer b.Close()

		c := b.Subscribe("device:tv-1")
		for range clientBufferSize + 5 {
			require.NoError(t, b.Publish(ctx, "device:tv-1", Event{Type: "status"}))
		}
		assert.Len(t, c.Events, clientBufferSize)
	})
}

func TestRedisBrokerSubscribe(t *testing.T) {
	t.Run("returns once the subscription attempt has settled", func(t *testing.T) {
		rc, err := redisclient.New("redis://127.0.0.1:1/0")
		require.NoError(t, err)
		defer rc.Close()

		b := NewBroker(rc)
		defer b.Close()

		start := time.Now()
		client := b.Subscribe("device:tv-1")
		assert.Less(t, time.Since(start), subscribeTimeout)
		assert.Equal(t, 1, b.ClientCount("device:tv-1"))

		b.mu.RLock()
		ready := b.topics["device:tv-1"].ready
		b.mu.RUnlock()
		select {
		case <-ready:
		default:
			t.Fatal("subscribe returned before the topic was settled")
		}

		second := b.Subscribe("device:tv-1")
		assert.Equal(t, 2, b.ClientCount("device:tv-1"))
		b.Unsubscribe(second)
		b.Unsubscribe(client)
		assert.Zero(t, b.TotalClients())
	})
}
