// Package consumer runs the orchestrator's sequential stream loops: node
// results into the engine, run requests into the lifecycle kickoff, and
// streaming chunks into the archive.
package consumer

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/swiftgrid/controlplane/cmd/orchestrator/engine"
	"github.com/swiftgrid/controlplane/common/bus"
	"github.com/swiftgrid/controlplane/common/jobs"
	"github.com/swiftgrid/controlplane/common/lifecycle"
	"github.com/swiftgrid/controlplane/common/logger"
	"github.com/swiftgrid/controlplane/common/models"
	"github.com/swiftgrid/controlplane/common/repository"
)

// Opts wires the consumers.
type Opts struct {
	Bus       *bus.Bus
	Engine    *engine.Engine
	Lifecycle *lifecycle.Manager
	Chunks    *repository.ChunkRepository
	Logger    *logger.Logger
}

// Consumers owns the three group loops.
type Consumers struct {
	bus       *bus.Bus
	engine    *engine.Engine
	lifecycle *lifecycle.Manager
	chunks    *repository.ChunkRepository
	log       *logger.Logger
}

// New creates the consumer set.
func New(opts Opts) *Consumers {
	return &Consumers{
		bus:       opts.Bus,
		engine:    opts.Engine,
		lifecycle: opts.Lifecycle,
		chunks:    opts.Chunks,
		log:       opts.Logger.WithComponent("consumer"),
	}
}

// ConsumeResults feeds node results to the orchestration step. Processing
// is sequential within this consumer; cross-run ordering comes from the
// per-run step lock, not from here.
func (c *Consumers) ConsumeResults(ctx context.Context) error {
	consumer := "orchestrator-" + uuid.New().String()[:8]
	return c.bus.Consume(ctx, bus.StreamResults, bus.GroupOrchestrator, consumer,
		func(ctx context.Context, payload []byte) error {
			var res jobs.Result
			if err := json.Unmarshal(payload, &res); err != nil {
				c.log.Warn("undecodable result dropped", "error", err)
				return nil
			}
			return c.engine.HandleResult(ctx, &res)
		})
}

// ConsumeRunRequests starts created runs. Start is idempotent, so a
// redelivered request is harmless.
func (c *Consumers) ConsumeRunRequests(ctx context.Context) error {
	consumer := "starter-" + uuid.New().String()[:8]
	return c.bus.Consume(ctx, bus.StreamRunRequests, bus.GroupOrchestrator, consumer,
		func(ctx context.Context, payload []byte) error {
			var req jobs.RunRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				c.log.Warn("undecodable run request dropped", "error", err)
				return nil
			}
			return c.lifecycle.Start(ctx, req.RunID)
		})
}

// ConsumeChunks archives streaming fragments for replay.
func (c *Consumers) ConsumeChunks(ctx context.Context) error {
	consumer := "archiver-" + uuid.New().String()[:8]
	return c.bus.Consume(ctx, bus.StreamChunks, bus.GroupArchiver, consumer,
		func(ctx context.Context, payload []byte) error {
			var chunk jobs.Chunk
			if err := json.Unmarshal(payload, &chunk); err != nil {
				c.log.Warn("undecodable chunk dropped", "error", err)
				return nil
			}

			runID, err := uuid.Parse(chunk.RunID)
			if err != nil {
				c.log.Warn("chunk with bad run id dropped", "run_id", chunk.RunID)
				return nil
			}

			return c.chunks.Append(ctx, &models.RunChunk{
				RunID:      runID,
				NodeID:     chunk.NodeID,
				ChunkIndex: chunk.ChunkIndex,
				ChunkType:  models.ChunkType(chunk.ChunkType),
				Content:    chunk.Content,
			})
		})
}
