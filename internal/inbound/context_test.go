package inbound

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adt = "MSH|^~\\&|SENDAPP|SENDFAC|RECVAPP|RECVFAC|20240101120000||ADT^A01|MSG00001|P|2.5\r"

func TestNewContextIsOpen(t *testing.T) {
	rc := New("adt-in", []byte(adt))

	assert.NotEmpty(t, rc.ID())
	assert.Equal(t, "adt-in", rc.Endpoint())
	assert.Equal(t, "MSG00001", rc.ControlID())
	assert.Equal(t, adt, string(rc.Request()))
	assert.Equal(t, adt, string(rc.Payload()))
	assert.False(t, rc.Responded())
	assert.False(t, rc.NackMode())
	assert.False(t, rc.MarkedForClose())
	assert.True(t, rc.RespondedAt().IsZero())
	assert.False(t, rc.ReceivedAt().IsZero())
}

func TestNewCopiesPayload(t *testing.T) {
	buf := []byte(adt)
	rc := New("adt-in", buf)
	buf[0] = 'X'
	assert.Equal(t, adt, string(rc.Request()))
}

func TestTryCompleteOnlyOnce(t *testing.T) {
	rc := New("adt-in", []byte(adt))

	require.True(t, rc.TryComplete([]byte("first"), false))
	assert.False(t, rc.TryComplete([]byte("second"), true))
	assert.False(t, rc.TryCompleteAndClose([]byte("third"), true))

	assert.Equal(t, "first", string(rc.Payload()))
	assert.False(t, rc.NackMode())
	assert.False(t, rc.MarkedForClose())
	assert.True(t, rc.Responded())
	assert.False(t, rc.RespondedAt().IsZero())
	assert.Equal(t, adt, string(rc.Request()))
}

func TestTryCompleteAndCloseSetsAllFlags(t *testing.T) {
	rc := New("adt-in", []byte(adt))

	require.True(t, rc.TryCompleteAndClose([]byte("nack"), true))
	assert.Equal(t, "nack", string(rc.Payload()))
	assert.True(t, rc.NackMode())
	assert.True(t, rc.MarkedForClose())

	// payload is frozen once marked for close
	assert.False(t, rc.TryComplete([]byte("late ack"), false))
	assert.Equal(t, "nack", string(rc.Payload()))
	assert.True(t, rc.NackMode())
}

func TestTryCompleteSingleWinnerUnderContention(t *testing.T) {
	for range 200 {
		rc := New("adt-in", []byte(adt))

		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := range 16 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				var ok bool
				if i%2 == 0 {
					ok = rc.TryComplete([]byte("ack"), false)
				} else {
					ok = rc.TryCompleteAndClose([]byte("nack"), true)
				}
				if ok {
					wins.Add(1)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), wins.Load())
		// flags always agree with the payload that won
		if rc.MarkedForClose() {
			assert.Equal(t, "nack", string(rc.Payload()))
			assert.True(t, rc.NackMode())
		} else {
			assert.Equal(t, "ack", string(rc.Payload()))
			assert.False(t, rc.NackMode())
		}
	}
}
