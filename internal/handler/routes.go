package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"host-rewrite-proxy-go/internal/config"
	"host-rewrite-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The
// operational endpoints are registered first; everything else falls through
// to the proxy pipeline.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/*", proxy.Handle)
}
