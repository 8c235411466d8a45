package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftgrid/controlplane/common/logger"
)

func TestWriteSSEFraming(t *testing.T) {
	var b strings.Builder
	err := writeSSE(&b, &Event{Type: EventResult, Payload: []byte(`{"node_id":"a","status_code":200}`)})

	require.NoError(t, err)
	assert.Equal(t, "event: result\ndata: {\"node_id\":\"a\",\"status_code\":200}\n\n", b.String())
}

func TestWriteSSEMultilinePayload(t *testing.T) {
	var b strings.Builder
	err := writeSSE(&b, &Event{Type: EventChunk, Payload: []byte("line1\nline2")})

	require.NoError(t, err)
	assert.Equal(t, "event: chunk\ndata: line1\ndata: line2\n\n", b.String())
}

func TestStreamDeliversBroadcasts(t *testing.T) {
	hub := testHub()
	srv := NewServer(hub, logger.New("error", "text"))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)

	done := make(chan error, 1)
	go func() { done <- srv.Stream(c) }()

	waitFor(t, func() bool { return hub.SessionCount() == 1 })
	hub.broadcast(&Event{Type: EventResult, Payload: []byte(`{"run_id":"r1"}`)})
	hub.broadcast(&Event{Type: EventChunk, Payload: []byte(`{"content":"hi"}`)})

	// Let the handler drain its channel before tearing the request down.
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Contains(t, body, "event: result\ndata: {\"run_id\":\"r1\"}\n\n")
	assert.Contains(t, body, "event: chunk\ndata: {\"content\":\"hi\"}\n\n")
}

func TestStreamClosesAfterRepeatedWriteFailures(t *testing.T) {
	hub := testHub()
	srv := NewServer(hub, logger.New("error", "text"))

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	c := echo.New().NewContext(req, &brokenWriter{header: http.Header{}})

	done := make(chan error, 1)
	go func() { done <- srv.Stream(c) }()

	waitFor(t, func() bool { return hub.SessionCount() == 1 })
	for i := 0; i < maxWriteFailures; i++ {
		hub.broadcast(&Event{Type: EventResult, Payload: []byte("x")})
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after repeated write failures")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// brokenWriter accepts headers but fails every body write.
type brokenWriter struct {
	header http.Header
}

func (w *brokenWriter) Header() http.Header       { return w.header }
func (w *brokenWriter) WriteHeader(int)           {}
func (w *brokenWriter) Flush()                    {}
func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }
