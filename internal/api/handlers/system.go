// Package handlers implements the HTTP handlers of the vmvault control plane.
package handlers

import (
	"net/http"
	"runtime"

	"github.com/MacJediWizard/vmvault/internal/shutdown"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// HealthStatus represents the health of the daemon.
type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusDraining HealthStatus = "draining"
)

// VersionInfo contains build information.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
	GoVersion string `json:"go_version"`
}

// HealthResponse is the response of the health endpoint.
type HealthResponse struct {
	Status   HealthStatus     `json:"status"`
	Shutdown *shutdown.Status `json:"shutdown,omitempty"`
	Version  string           `json:"version"`
}

// ShutdownStatus reports the shutdown state of the daemon.
type ShutdownStatus interface {
	GetStatus() shutdown.Status
}

// SystemHandler serves health and version information.
type SystemHandler struct {
	info     VersionInfo
	shutdown ShutdownStatus
	logger   zerolog.Logger
}

// NewSystemHandler creates a new SystemHandler. status may be nil, in which
// case the daemon always reports healthy.
func NewSystemHandler(version, commit, buildDate string, status ShutdownStatus, logger zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		info: VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
			GoVersion: runtime.Version(),
		},
		shutdown: status,
		logger:   logger.With().Str("component", "system_handler").Logger(),
	}
}

// RegisterPublicRoutes registers health and version routes on the engine root.
func (h *SystemHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/version", h.Version)
}

// RegisterRoutes registers the version route on the given router group.
func (h *SystemHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/version", h.Version)
}

// Health reports whether the daemon accepts new runs.
// GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	resp := HealthResponse{
		Status:  HealthStatusHealthy,
		Version: h.info.Version,
	}
	if h.shutdown == nil {
		c.JSON(http.StatusOK, resp)
		return
	}

	status := h.shutdown.GetStatus()
	resp.Shutdown = &status
	if !status.AcceptingNewRuns {
		resp.Status = HealthStatusDraining
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Version returns build information.
// GET /version or GET /api/v1/version
func (h *SystemHandler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, h.info)
}
