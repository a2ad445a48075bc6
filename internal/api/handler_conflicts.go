package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"fleet-hos-engine/internal/conflict"
	"fleet-hos-engine/internal/model"
)

// GetConflicts handles GET /api/drivers/{driver_id}/conflicts.
func (h *Handler) GetConflicts(c *gin.Context) {
	records, err := h.resolver.Records(c.Request.Context(), c.Param("driver_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": records})
}

type resolveConflictRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

// PostConflictResolution handles POST /api/conflicts/{conflict_id}/resolution,
// the manual path for conflicts the default policy could not settle.
func (h *Handler) PostConflictResolution(c *gin.Context) {
	var req resolveConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resolution, ok := model.ParseResolution(req.Resolution)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resolution"})
		return
	}

	err := h.resolver.ResolveManually(c.Request.Context(), c.Param("conflict_id"), resolution)
	switch {
	case errors.Is(err, conflict.ErrUnknownConflict):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.Status(http.StatusNoContent)
	}
}
