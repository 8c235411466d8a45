// The orchestrator runs the execution engine: it consumes node results,
// drives the per-run orchestration step, executes control nodes, promotes
// scheduled work, and fires cron triggers. It exposes only a health
// endpoint; the API surface lives in the controlplane service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/swiftgrid/controlplane/cmd/orchestrator/condition"
	"github.com/swiftgrid/controlplane/cmd/orchestrator/consumer"
	"github.com/swiftgrid/controlplane/cmd/orchestrator/coordinator"
	"github.com/swiftgrid/controlplane/cmd/orchestrator/engine"
	"github.com/swiftgrid/controlplane/cmd/orchestrator/mover"
	"github.com/swiftgrid/controlplane/cmd/orchestrator/scheduler"
	"github.com/swiftgrid/controlplane/common/bootstrap"
	"github.com/swiftgrid/controlplane/common/bus"
	"github.com/swiftgrid/controlplane/common/dispatch"
	"github.com/swiftgrid/controlplane/common/lifecycle"
	"github.com/swiftgrid/controlplane/common/repository"
	"github.com/swiftgrid/controlplane/common/secrets"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Setup(ctx, "orchestrator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap orchestrator: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	if err := run(ctx, components); err != nil && ctx.Err() == nil {
		components.Logger.Error("orchestrator exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, components *bootstrap.Components) error {
	log := components.Logger
	cfg := components.Config

	runs := repository.NewRunRepository(components.DB.Pool)
	events := repository.NewEventRepository(components.DB.Pool)
	suspensions := repository.NewSuspensionRepository(components.DB.Pool)
	schedules := repository.NewScheduledJobRepository(components.DB.Pool)
	batches := repository.NewBatchRepository(components.DB.Pool)
	workflows := repository.NewWorkflowRepository(components.DB.Pool)
	versions := repository.NewVersionRepository(components.DB.Pool)
	chunks := repository.NewChunkRepository(components.DB.Pool)
	deliveries := repository.NewDeliveryRepository(components.DB.Pool)
	secretRepo := repository.NewSecretRepository(components.DB.Pool)

	messageBus := bus.New(components.Redis, log)
	secretStore := secrets.New(secretRepo, components.Cache)
	dispatcher := dispatch.New(messageBus, log)

	lifecycleManager := lifecycle.New(lifecycle.Opts{
		DB:         components.DB,
		Runs:       runs,
		Events:     events,
		Schedules:  schedules,
		Bus:        messageBus,
		Dispatcher: dispatcher,
		Secrets:    secretStore,
		Logger:     log,
	})

	eng := engine.New(engine.Opts{
		DB:          components.DB,
		Runs:        runs,
		Events:      events,
		Schedules:   schedules,
		Suspensions: suspensions,
		Bus:         messageBus,
		Dispatcher:  dispatcher,
		Secrets:     secretStore,
		Lifecycle:   lifecycleManager,
		Logger:      log,
	})

	evaluator, err := condition.NewEvaluator()
	if err != nil {
		return fmt.Errorf("building condition evaluator: %w", err)
	}

	coord := coordinator.New(coordinator.Opts{
		DB:          components.DB,
		Redis:       components.Redis,
		Bus:         messageBus,
		Runs:        runs,
		Events:      events,
		Suspensions: suspensions,
		Schedules:   schedules,
		Batches:     batches,
		Versions:    versions,
		Lifecycle:   lifecycleManager,
		Evaluator:   evaluator,
		Logger:      log,
	})

	consumers := consumer.New(consumer.Opts{
		Bus:       messageBus,
		Engine:    eng,
		Lifecycle: lifecycleManager,
		Chunks:    chunks,
		Logger:    log,
	})

	mv := mover.New(mover.Opts{
		DB:           components.DB,
		Bus:          messageBus,
		Runs:         runs,
		Schedules:    schedules,
		Suspensions:  suspensions,
		Batches:      batches,
		Deliveries:   deliveries,
		Logger:       log,
		RunRetention: time.Duration(cfg.Retention.RunTTLDays) * 24 * time.Hour,
	})

	sched := scheduler.New(scheduler.Opts{
		DB:        components.DB,
		Bus:       messageBus,
		Workflows: workflows,
		Versions:  versions,
		Runs:      runs,
		Lifecycle: lifecycleManager,
		Logger:    log,
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return consumers.ConsumeResults(ctx) })
	g.Go(func() error { return consumers.ConsumeRunRequests(ctx) })
	g.Go(func() error { return consumers.ConsumeChunks(ctx) })
	g.Go(func() error { return coord.Start(ctx) })
	g.Go(func() error { return mv.RunPromoter(ctx) })
	g.Go(func() error { return mv.RunSuspensionSweeper(ctx) })
	g.Go(func() error { return mv.RunBatchSweeper(ctx) })
	g.Go(func() error { return mv.RunRetention(ctx) })
	g.Go(func() error { return sched.Start(ctx) })
	g.Go(func() error { return serveHealth(ctx, components) })

	log.Info("orchestrator started", "port", cfg.Service.Port)
	return g.Wait()
}

func serveHealth(ctx context.Context, components *bootstrap.Components) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "orchestrator",
		})
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(shutdownCtx)
	}()

	err := e.Start(fmt.Sprintf(":%d", components.Config.Service.Port))
	if err == http.ErrServerClosed {
		return ctx.Err()
	}
	return err
}
