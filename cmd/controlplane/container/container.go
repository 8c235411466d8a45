// Package container wires the controlplane's repositories and services
// once at startup.
package container

import (
	"github.com/swiftgrid/controlplane/cmd/controlplane/service"
	"github.com/swiftgrid/controlplane/common/bootstrap"
	"github.com/swiftgrid/controlplane/common/bus"
	"github.com/swiftgrid/controlplane/common/dispatch"
	"github.com/swiftgrid/controlplane/common/lifecycle"
	"github.com/swiftgrid/controlplane/common/ratelimit"
	"github.com/swiftgrid/controlplane/common/registry"
	"github.com/swiftgrid/controlplane/common/repository"
	"github.com/swiftgrid/controlplane/common/secrets"
)

// Container holds all initialized services and repositories.
type Container struct {
	Components *bootstrap.Components

	Runs        *repository.RunRepository
	Events      *repository.EventRepository
	Workflows   *repository.WorkflowRepository
	Versions    *repository.VersionRepository
	Suspensions *repository.SuspensionRepository
	Deliveries  *repository.DeliveryRepository

	Bus      *bus.Bus
	Secrets  *secrets.Store
	Registry *registry.Registry

	Triggers *service.TriggerService
	Flows    *service.FlowService
	RunSvc   *service.RunService
}

// New initializes the full service graph.
func New(components *bootstrap.Components) *Container {
	pool := components.DB.Pool
	log := components.Logger

	runs := repository.NewRunRepository(pool)
	events := repository.NewEventRepository(pool)
	workflows := repository.NewWorkflowRepository(pool)
	versions := repository.NewVersionRepository(pool)
	suspensions := repository.NewSuspensionRepository(pool)
	deliveries := repository.NewDeliveryRepository(pool)
	schedules := repository.NewScheduledJobRepository(pool)
	secretRepo := repository.NewSecretRepository(pool)

	messageBus := bus.New(components.Redis, log)
	secretStore := secrets.New(secretRepo, components.Cache)
	dispatcher := dispatch.New(messageBus, log)
	limiter := ratelimit.New(components.Redis.Underlying(), log)
	workerRegistry := registry.New(components.Redis, log)

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

	triggers := service.NewTriggerService(service.TriggerOpts{
		DB:          components.DB,
		Workflows:   workflows,
		Versions:    versions,
		Runs:        runs,
		Events:      events,
		Suspensions: suspensions,
		Deliveries:  deliveries,
		Lifecycle:   lifecycleManager,
		Bus:         messageBus,
		Limiter:     limiter,
		RateLimit:   int64(components.Config.Intake.WebhookPerMinute),
		Logger:      log,
	})

	return &Container{
		Components:  components,
		Runs:        runs,
		Events:      events,
		Workflows:   workflows,
		Versions:    versions,
		Suspensions: suspensions,
		Deliveries:  deliveries,
		Bus:         messageBus,
		Secrets:     secretStore,
		Registry:    workerRegistry,
		Triggers:    triggers,
		Flows:       service.NewFlowService(components.DB, workflows, versions, log),
		RunSvc:      service.NewRunService(runs, events, lifecycleManager, messageBus, log),
	}
}
