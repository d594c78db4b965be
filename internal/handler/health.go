package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"host-rewrite-proxy-go/internal/rewrite"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	hosts   rewrite.Hosts
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(hosts rewrite.Hosts, v Version) *HealthHandler {
	return &HealthHandler{hosts: hosts, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":      "ok",
		"version":     string(h.version),
		"target_host": h.hosts.Target,
		"proxy_host":  h.hosts.Proxy,
	})
}
