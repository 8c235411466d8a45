// Package routes binds the controlplane's HTTP surface to its handlers.
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/swiftgrid/controlplane/cmd/controlplane/container"
	"github.com/swiftgrid/controlplane/cmd/controlplane/handlers"
)

// Register wires every endpoint.
func Register(e *echo.Echo, c *container.Container) {
	triggers := handlers.NewTriggerHandler(c.Triggers)
	runs := handlers.NewRunHandler(c.RunSvc)
	flows := handlers.NewFlowHandler(c.Flows)
	secretsH := handlers.NewSecretHandler(c.Secrets)
	workers := handlers.NewWorkerHandler(c.Registry)

	e.POST("/triggers/manual", triggers.Manual)
	e.POST("/webhooks/resume/:token", triggers.Resume)
	e.POST("/webhooks/:flowId", triggers.Webhook)

	r := e.Group("/runs")
	{
		r.GET("", runs.List)
		r.GET("/active", runs.Active)
		r.GET("/:runId", runs.Get)
		r.POST("/:runId/cancel", runs.Cancel)
		r.POST("/:runId/replay", runs.Replay)
		r.PATCH("/:runId", runs.Patch)
		r.DELETE("/:runId", runs.Delete)
	}

	f := e.Group("/flows")
	{
		f.POST("", flows.Create)
		f.GET("", flows.List)
		f.GET("/:id", flows.Get)
		f.PUT("/:id", flows.Update)
		f.PATCH("/:id", flows.Patch)
		f.DELETE("/:id", flows.Delete)
		f.POST("/:id/publish", flows.Publish)
		f.POST("/:id/rollback", flows.Rollback)
		f.POST("/:id/restore", flows.Restore)
		f.POST("/:id/discard", flows.Discard)
		f.GET("/:id/versions", flows.Versions)
		f.POST("/:id/schedule", flows.UpsertSchedule)
		f.GET("/:id/schedule", flows.GetSchedule)
	}

	s := e.Group("/secrets")
	{
		s.GET("", secretsH.List)
		s.PUT("/:key", secretsH.Put)
		s.DELETE("/:key", secretsH.Delete)
	}

	e.GET("/workers", workers.List)
}
