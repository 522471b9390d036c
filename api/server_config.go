package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig configures the HTTP server lifecycle.
type HTTPServerConfig struct {
	// ListenAddr is where the API is served.
	ListenAddr string

	// MetricsAddr serves Prometheus metrics. Empty disables the metrics server.
	MetricsAddr string

	// EnablePprof mounts the pprof handlers under /debug.
	EnablePprof bool

	Log *slog.Logger

	// DrainDuration is how long /drain waits after marking the server not
	// ready, so load balancers stop routing to it.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds how long in-flight requests may run
	// during shutdown.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}
