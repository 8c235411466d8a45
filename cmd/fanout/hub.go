package main

import (
	"context"
	"sync"

	"github.com/swiftgrid/controlplane/common/logger"
)

// Event is one broadcast unit: a result or chunk payload exactly as it
// appeared on the bus.
type Event struct {
	Type    string
	Payload []byte
}

// Event types matching the bus streams they originate from.
const (
	EventResult = "result"
	EventChunk  = "chunk"
)

const sessionBuffer = 256

// Hub fans bus events out to every connected session. A session with a full
// buffer is dropped; messages never are.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	closed   bool

	events chan *Event
	log    *logger.Logger
}

// Session is one connected consumer, SSE or WebSocket.
type Session struct {
	send chan *Event
}

// NewSession returns a session with the standard buffer.
func NewSession() *Session {
	return &Session{send: make(chan *Event, sessionBuffer)}
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		sessions: make(map[*Session]struct{}),
		events:   make(chan *Event, 1024),
		log:      log.WithComponent("hub"),
	}
}

// Run drains the event queue until the context ends, then closes every
// session so handlers unblock.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

// Register adds a session; it receives every event from now on. Returns
// false once the hub has shut down.
func (h *Hub) Register(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s] = struct{}{}
	return true
}

// Unregister removes a session and closes its channel. Safe to call for a
// session the hub already dropped.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(s)
}

// Broadcast queues an event for every session.
func (h *Hub) Broadcast(ev *Event) {
	h.events <- ev
}

func (h *Hub) broadcast(ev *Event) {
	h.mu.RLock()
	var slow []*Session
	for s := range h.sessions {
		select {
		case s.send <- ev:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, s := range slow {
		h.log.Warn("dropping slow session", "buffered", len(s.send))
		h.dropLocked(s)
	}
	h.mu.Unlock()
}

func (h *Hub) dropLocked(s *Session) {
	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	close(s.send)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.sessions {
		delete(h.sessions, s)
		close(s.send)
	}
}

// SessionCount reports connected sessions, for the health endpoint.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
