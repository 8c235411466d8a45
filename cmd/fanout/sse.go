package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/swiftgrid/controlplane/common/logger"
)

const (
	heartbeatInterval = 30 * time.Second

	// A connection this far behind is not coming back.
	maxWriteFailures = 5
)

// Server exposes the hub over SSE and WebSocket.
type Server struct {
	hub *Hub
	log *logger.Logger
}

func NewServer(hub *Hub, log *logger.Logger) *Server {
	return &Server{hub: hub, log: log.WithComponent("server")}
}

// Stream serves the SSE feed. Every connection sees every result and chunk
// event; filtering happens client-side.
func (s *Server) Stream(c echo.Context) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	session := NewSession()
	if !s.hub.Register(session) {
		return nil
	}
	defer s.hub.Unregister(session)

	ctx := c.Request().Context()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-session.send:
			if !ok {
				return nil
			}
			if err := writeSSE(res, ev); err != nil {
				failures++
				if failures >= maxWriteFailures {
					s.log.Warn("closing stream after repeated write failures")
					return nil
				}
				continue
			}
			res.Flush()
			failures = 0

		case <-heartbeat.C:
			if _, err := io.WriteString(res, ": heartbeat\n\n"); err != nil {
				failures++
				if failures >= maxWriteFailures {
					return nil
				}
				continue
			}
			res.Flush()
			failures = 0
		}
	}
}

// writeSSE emits one event frame. Payloads are single-line JSON in practice,
// but embedded newlines still frame correctly as multiple data lines.
func writeSSE(w io.Writer, ev *Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
		return err
	}
	for _, line := range strings.Split(string(ev.Payload), "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", line); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}
