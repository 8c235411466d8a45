// Package bus names the Redis streams shared between the control plane,
// the worker fleet, and the fanout service, and wraps publish/consume for
// the wire types in common/jobs.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swiftgrid/controlplane/common/jobs"
	"github.com/swiftgrid/controlplane/common/logger"
	"github.com/swiftgrid/controlplane/common/redis"
)

// Stream and consumer group names. Every stream entry carries its JSON
// document under the single "payload" field.
const (
	StreamJobs        = "jobs"
	StreamResults     = "results"
	StreamChunks      = "chunks"
	StreamRunRequests = "run.requests"

	GroupCoordinator  = "coordinator"
	GroupOrchestrator = "orchestrator"
	GroupArchiver     = "archiver"

	FieldPayload = "payload"
)

// CancelChannel is the pub/sub channel workers watch to abort a run's
// in-flight executions.
func CancelChannel(runID uuid.UUID) string {
	return "cancel:" + runID.String()
}

// Bus publishes and consumes the control plane's stream traffic.
type Bus struct {
	redis *redis.Client
	log   *logger.Logger
}

// New creates a bus over an established Redis client.
func New(client *redis.Client, log *logger.Logger) *Bus {
	return &Bus{redis: client, log: log.WithComponent("bus")}
}

func (b *Bus) publish(ctx context.Context, stream string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", stream, err)
	}
	if _, err := b.redis.AddToStream(ctx, stream, map[string]interface{}{FieldPayload: payload}); err != nil {
		return err
	}
	return nil
}

// PublishJob enqueues a job for workers and the coordinator.
func (b *Bus) PublishJob(ctx context.Context, job *jobs.Job) error {
	return b.publish(ctx, StreamJobs, job)
}

// PublishJobs enqueues several jobs in one round trip.
func (b *Bus) PublishJobs(ctx context.Context, batch []*jobs.Job) error {
	if len(batch) == 0 {
		return nil
	}
	pipe := b.redis.NewPipeline()
	for _, job := range batch {
		payload, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encoding job %s: %w", job.ID, err)
		}
		pipe.AddToStream(ctx, StreamJobs, map[string]interface{}{FieldPayload: payload})
	}
	return pipe.Exec(ctx)
}

// PublishResult reports a node outcome to the orchestrator. Control-plane
// components use this for synthetic results too, so every node completion
// flows through the same stream.
func (b *Bus) PublishResult(ctx context.Context, res *jobs.Result) error {
	if res.Timestamp == 0 {
		res.Timestamp = time.Now().UnixMilli()
	}
	return b.publish(ctx, StreamResults, res)
}

// PublishChunk forwards a streaming fragment.
func (b *Bus) PublishChunk(ctx context.Context, chunk *jobs.Chunk) error {
	return b.publish(ctx, StreamChunks, chunk)
}

// EnqueueRun asks the orchestrator to start a created run.
func (b *Bus) EnqueueRun(ctx context.Context, runID uuid.UUID) error {
	return b.publish(ctx, StreamRunRequests, &jobs.RunRequest{RunID: runID})
}

// PublishCancel broadcasts the cancel signal for a run.
func (b *Bus) PublishCancel(ctx context.Context, runID uuid.UUID) error {
	return b.redis.PublishEvent(ctx, CancelChannel(runID), "cancelled")
}

// Tail reads entries arriving after lastID without a consumer group, for
// fanout-style observers. Returns the payloads and the new cursor.
func (b *Bus) Tail(ctx context.Context, stream, lastID string, count int64, block time.Duration) ([][]byte, string, error) {
	streams, err := b.redis.ReadStream(ctx, stream, lastID, count, block)
	if err != nil {
		return nil, lastID, err
	}

	var payloads [][]byte
	cursor := lastID
	for _, s := range streams {
		for _, msg := range s.Messages {
			cursor = msg.ID
			if raw, ok := msg.Values[FieldPayload].(string); ok {
				payloads = append(payloads, []byte(raw))
			}
		}
	}
	return payloads, cursor, nil
}

// Handler processes one stream payload. A non-nil error leaves the message
// unacknowledged for redelivery.
type Handler func(ctx context.Context, payload []byte) error

// Consume runs a consumer-group read loop until the context ends. Messages
// whose handler succeeds are acknowledged and deleted; failures are logged
// and retried after a short pause.
func (b *Bus) Consume(ctx context.Context, stream, group, consumer string, handler Handler) error {
	if err := b.redis.CreateStreamGroup(ctx, stream, group); err != nil {
		return err
	}

	b.log.Info("consumer started", "stream", stream, "group", group, "consumer", consumer)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := b.redis.ReadFromStreamGroup(ctx, group, consumer, stream, 1, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Error("stream read failed", "stream", stream, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				raw, ok := msg.Values[FieldPayload].(string)
				if !ok {
					b.log.Warn("message without payload field", "stream", stream, "id", msg.ID)
					b.ack(ctx, stream, group, msg.ID)
					continue
				}

				if err := handler(ctx, []byte(raw)); err != nil {
					b.log.Error("handler failed, message left pending",
						"stream", stream, "id", msg.ID, "error", err)
					time.Sleep(time.Second)
					continue
				}

				b.ack(ctx, stream, group, msg.ID)
			}
		}
	}
}

func (b *Bus) ack(ctx context.Context, stream, group, id string) {
	if err := b.redis.AckStreamMessage(ctx, stream, group, id); err != nil {
		b.log.Error("ack failed", "stream", stream, "id", id, "error", err)
	}
}
