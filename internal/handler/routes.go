package handler

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, relay *RelayHandler, store *StorageHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)
	e.GET("/prefix", relay.Prefix)

	s := e.Group("/storage")
	s.GET("/store/:key/:value", store.Store)
	s.GET("/retrieve/:key", store.Retrieve)
	s.GET("/remove/:key", store.Remove)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	mount := cfg.Relay.Prefix
	if bare := strings.TrimSuffix(mount, "/"); bare != "" {
		e.GET(bare, relay.Redirect)
	}
	e.Any(mount+"*", relay.Handle)
}
