package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndSubscribe(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe()
	defer cancel()

	ev := h.Publish(TypeDelivered, Exchange{ExchangeID: "ex-1", Endpoint: "adt-in", Outcome: "ack"})
	assert.Equal(t, int64(1), ev.ID)

	select {
	case got := <-ch:
		assert.Equal(t, TypeDelivered, got.Type)
		var payload Exchange
		require.NoError(t, json.Unmarshal(got.Data, &payload))
		assert.Equal(t, "ex-1", payload.ExchangeID)
		assert.Equal(t, "ack", payload.Outcome)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestEventMarshalsDataInline(t *testing.T) {
	h := NewHub(2)
	ev := h.Publish(TypeTimeout, map[string]string{"endpoint": "adt-in"})

	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"data":{"endpoint":"adt-in"}`)
}

func TestSnapshotSinceWrapsRing(t *testing.T) {
	h := NewHub(3)
	for range 5 {
		h.Publish(TypeReceived, nil)
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{all[0].ID, all[1].ID, all[2].ID})

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)
	assert.Equal(t, int64(5), h.LastID())
	assert.Equal(t, "{}", string(since[0].Data))
}

func TestCancelClosesChannel(t *testing.T) {
	h := NewHub(0)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing with no subscribers is fine.
	h.Publish(TypeDiscarded, nil)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(4)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for range subscriberBuffer * 2 {
			h.Publish(TypeReceived, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}
