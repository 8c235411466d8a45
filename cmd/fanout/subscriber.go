package main

import (
	"context"
	"errors"
	"time"

	"github.com/swiftgrid/controlplane/common/bus"
	"github.com/swiftgrid/controlplane/common/logger"
)

const (
	tailBlock = 5 * time.Second
	tailCount = 100
	retryWait = time.Second
)

// Subscriber tails the results and chunks streams and feeds the hub. One
// subscriber per process; connections share it through the hub, so fanout
// adds no consumer-group load to the bus.
type Subscriber struct {
	bus *bus.Bus
	hub *Hub
	log *logger.Logger
}

func NewSubscriber(b *bus.Bus, hub *Hub, log *logger.Logger) *Subscriber {
	return &Subscriber{bus: b, hub: hub, log: log.WithComponent("subscriber")}
}

// Run tails both streams until the context ends.
func (s *Subscriber) Run(ctx context.Context) error {
	go s.tail(ctx, bus.StreamChunks, EventChunk)
	s.tail(ctx, bus.StreamResults, EventResult)
	return ctx.Err()
}

// tail reads new entries starting at the stream tip. Connections only see
// events published after the process came up.
func (s *Subscriber) tail(ctx context.Context, stream, eventType string) {
	cursor := "$"
	for {
		if ctx.Err() != nil {
			return
		}

		payloads, next, err := s.bus.Tail(ctx, stream, cursor, tailCount, tailBlock)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.log.Error("stream tail failed", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryWait):
			}
			continue
		}
		cursor = next

		for _, p := range payloads {
			s.hub.Broadcast(&Event{Type: eventType, Payload: p})
		}
	}
}
