package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftgrid/controlplane/common/logger"
)

func testHub() *Hub {
	return NewHub(logger.New("error", "text"))
}

func TestHubBroadcastReachesEverySession(t *testing.T) {
	h := testHub()
	a, b := NewSession(), NewSession()
	require.True(t, h.Register(a))
	require.True(t, h.Register(b))

	h.broadcast(&Event{Type: EventResult, Payload: []byte(`{"run_id":"r1"}`)})

	for _, s := range []*Session{a, b} {
		ev := <-s.send
		assert.Equal(t, EventResult, ev.Type)
		assert.JSONEq(t, `{"run_id":"r1"}`, string(ev.Payload))
	}
}

func TestHubDropsSlowSessionNotMessages(t *testing.T) {
	h := testHub()
	slow, fast := NewSession(), NewSession()
	require.True(t, h.Register(slow))
	require.True(t, h.Register(fast))

	for i := 0; i < sessionBuffer; i++ {
		h.broadcast(&Event{Type: EventChunk})
		<-fast.send
	}
	assert.Equal(t, 2, h.SessionCount())

	// One past the slow session's buffer.
	h.broadcast(&Event{Type: EventResult, Payload: []byte("last")})

	assert.Equal(t, 1, h.SessionCount())
	ev := <-fast.send
	assert.Equal(t, "last", string(ev.Payload))

	// Dropped session's channel is closed after its backlog.
	for i := 0; i < sessionBuffer; i++ {
		<-slow.send
	}
	_, open := <-slow.send
	assert.False(t, open)
}

func TestHubUnregisterIsIdempotent(t *testing.T) {
	h := testHub()
	s := NewSession()
	require.True(t, h.Register(s))

	h.Unregister(s)
	h.Unregister(s)

	assert.Equal(t, 0, h.SessionCount())
}

func TestHubRejectsRegisterAfterClose(t *testing.T) {
	h := testHub()
	s := NewSession()
	require.True(t, h.Register(s))

	h.closeAll()

	assert.False(t, h.Register(NewSession()))
	_, open := <-s.send
	assert.False(t, open)
}
