package handlers

import (
	"context"
	"net/http"

	"github.com/MacJediWizard/vmvault/internal/backup"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// VMLister lists the virtual machines known to the daemon.
type VMLister interface {
	List(ctx context.Context) ([]backup.VirtualMachine, error)
}

// VMsHandler handles VM inventory endpoints.
type VMsHandler struct {
	lister VMLister
	logger zerolog.Logger
}

// NewVMsHandler creates a new VMsHandler.
func NewVMsHandler(lister VMLister, logger zerolog.Logger) *VMsHandler {
	return &VMsHandler{
		lister: lister,
		logger: logger.With().Str("component", "vms_handler").Logger(),
	}
}

// RegisterRoutes registers VM routes on the given router group.
func (h *VMsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/vms", h.List)
}

// List returns every discovered VM.
// GET /api/v1/vms
func (h *VMsHandler) List(c *gin.Context) {
	vms, err := h.lister.List(c.Request.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list vms")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list vms"})
		return
	}
	if vms == nil {
		vms = []backup.VirtualMachine{}
	}
	c.JSON(http.StatusOK, gin.H{"vms": vms})
}
