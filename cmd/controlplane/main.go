// The controlplane serves the public API: trigger intake, run inspection
// and control, workflow definitions and versioning, secrets, and the
// worker fleet view.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/swiftgrid/controlplane/cmd/controlplane/container"
	"github.com/swiftgrid/controlplane/cmd/controlplane/routes"
	"github.com/swiftgrid/controlplane/common/bootstrap"
	"github.com/swiftgrid/controlplane/common/middleware"
	"github.com/swiftgrid/controlplane/common/server"
)

func main() {
	ctx := context.Background()

	components, err := bootstrap.Setup(ctx, "controlplane")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap controlplane: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	c := container.New(components)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.CORS())
	e.Use(middleware.RequestLog(components.Logger))

	e.GET("/healthz", func(ec echo.Context) error {
		if err := components.Health(ec.Request().Context()); err != nil {
			return ec.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
		return ec.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "controlplane",
		})
	})

	routes.Register(e, c)

	srv := server.New("controlplane", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(nil); err != nil {
		components.Logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}
