package telemetry

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/swiftgrid/controlplane/common/logger"
)

// Telemetry exposes the pprof debug listener. A blank addr disables it.
type Telemetry struct {
	log    *logger.Logger
	server *http.Server
}

// New creates telemetry components
func New(addr string, log *logger.Logger) *Telemetry {
	t := &Telemetry{log: log}
	if addr != "" {
		t.server = &http.Server{Addr: addr, Handler: http.DefaultServeMux}
	}
	return t
}

// Start starts the debug listener in the background.
func (t *Telemetry) Start(ctx context.Context) error {
	if t.server == nil {
		return nil
	}

	go func() {
		t.log.Info("pprof server starting", "addr", t.server.Addr)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.log.Error("pprof server error", "error", err)
		}
	}()

	return nil
}

// Stop shuts the debug listener down.
func (t *Telemetry) Stop(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.server.Shutdown(shutdownCtx)
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}
