// Fanout bridges the results and chunks bus streams to live clients over
// SSE and WebSocket. It holds no database connection; everything it serves
// comes off the bus.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/swiftgrid/controlplane/common/bootstrap"
	"github.com/swiftgrid/controlplane/common/bus"
	"github.com/swiftgrid/controlplane/common/middleware"
	"github.com/swiftgrid/controlplane/common/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Setup(ctx, "fanout", bootstrap.WithoutDB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap fanout: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	log := components.Logger
	messageBus := bus.New(components.Redis, log)

	hub := NewHub(log)
	go hub.Run(ctx)
	go NewSubscriber(messageBus, hub, log).Run(ctx)

	svc := NewServer(hub, log)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLog(log))

	e.GET("/healthz", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"status":   "ok",
			"service":  "fanout",
			"sessions": hub.SessionCount(),
		})
	})
	e.GET("/stream", svc.Stream)
	e.GET("/ws", svc.Websocket)

	// SSE connections are long-lived; a write deadline would cut them off.
	srv := server.New("fanout", components.Config.Service.Port, e, log, server.WithoutWriteTimeout())
	if err := srv.Start(nil); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}
