package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/MacJediWizard/vmvault/internal/backup"
	"github.com/MacJediWizard/vmvault/internal/inventory"
	"github.com/MacJediWizard/vmvault/internal/runs"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RunLauncher starts and cancels backup runs.
type RunLauncher interface {
	Start(ctx context.Context, req runs.StartRequest) (uuid.UUID, error)
	Cancel(runID uuid.UUID) bool
	CancelAll() int
}

// RunBoard exposes the presentation state of runs.
type RunBoard interface {
	Get(runID uuid.UUID) (runs.View, bool)
	List() []runs.View
	Subscribe(runID uuid.UUID) (runs.View, <-chan backup.Event, func(), error)
}

// RunsHandler handles backup run endpoints.
type RunsHandler struct {
	launcher RunLauncher
	board    RunBoard
	logger   zerolog.Logger
}

// NewRunsHandler creates a new RunsHandler.
func NewRunsHandler(launcher RunLauncher, board RunBoard, logger zerolog.Logger) *RunsHandler {
	return &RunsHandler{
		launcher: launcher,
		board:    board,
		logger:   logger.With().Str("component", "runs_handler").Logger(),
	}
}

// RegisterRoutes registers run routes on the given router group.
func (h *RunsHandler) RegisterRoutes(r *gin.RouterGroup) {
	group := r.Group("/runs")
	{
		group.GET("", h.List)
		group.POST("", h.Start)
		group.DELETE("", h.CancelAll)
		group.GET("/:id", h.Get)
		group.DELETE("/:id", h.Cancel)
	}
}

// StartRunResponse is returned when a run is accepted.
type StartRunResponse struct {
	RunID uuid.UUID `json:"run_id"`
}

// Start launches a backup run.
// POST /api/v1/runs
func (h *RunsHandler) Start(c *gin.Context) {
	var req runs.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if !req.All && len(req.VMs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "select vms or set all"})
		return
	}

	runID, err := h.launcher.Start(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, runs.ErrNotAccepting):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "daemon is shutting down"})
		case errors.Is(err, inventory.ErrUnknownVM), errors.Is(err, runs.ErrNoDestination), errors.Is(err, runs.ErrInvalidRetention),
			errors.Is(err, backup.ErrArchiveNameConflict):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error().Err(err).Msg("failed to start run")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start run"})
		}
		return
	}

	h.logger.Info().
		Str("run_id", runID.String()).
		Strs("vms", req.VMs).
		Bool("all", req.All).
		Msg("run started via api")
	c.JSON(http.StatusAccepted, StartRunResponse{RunID: runID})
}

// List returns every run, newest first.
// GET /api/v1/runs
func (h *RunsHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": h.board.List()})
}

// Get returns one run.
// GET /api/v1/runs/:id
func (h *RunsHandler) Get(c *gin.Context) {
	runID, ok := parseRunID(c)
	if !ok {
		return
	}
	view, found := h.board.Get(runID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, view)
}

// Cancel requests cancellation of a running run.
// DELETE /api/v1/runs/:id
func (h *RunsHandler) Cancel(c *gin.Context) {
	runID, ok := parseRunID(c)
	if !ok {
		return
	}
	if !h.launcher.Cancel(runID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found or already finished"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "message": "cancellation requested"})
}

// CancelAll requests cancellation of every running run.
// DELETE /api/v1/runs
func (h *RunsHandler) CancelAll(c *gin.Context) {
	n := h.launcher.CancelAll()
	c.JSON(http.StatusOK, gin.H{"cancelled": n})
}

func parseRunID(c *gin.Context) (uuid.UUID, bool) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run ID"})
		return uuid.Nil, false
	}
	return runID, true
}
