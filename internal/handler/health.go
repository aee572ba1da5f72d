package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/realtime"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	peers   *realtime.PeerSet
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, peers *realtime.PeerSet) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, peers: peers}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Prefix  string `json:"prefix"`
	Replica int    `json:"replica"`
	Peers   int    `json:"peers"`
}

// Status returns relay status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:  "ok",
		Version: string(h.version),
		Prefix:  h.cfg.Relay.Prefix,
		Replica: max(h.cfg.ReplicaIndex, 0),
	}
	if h.peers != nil {
		resp.Peers = h.peers.Len()
	}
	return c.JSON(http.StatusOK, resp)
}
