package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type clockInRequest struct {
	VehicleID string `json:"vehicle_id" binding:"required"`
}

// PostShift handles POST /api/drivers/{driver_id}/shift (clock-in). A shift
// groups events for reporting only; HOS math runs on rolling calendar time
// and ignores shift boundaries.
func (h *Handler) PostShift(c *gin.Context) {
	var req clockInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.registry.ClockIn(c.Request.Context(), c.Param("driver_id"), req.VehicleID, time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, session)
}

// DeleteShift handles DELETE /api/drivers/{driver_id}/shift (clock-out).
func (h *Handler) DeleteShift(c *gin.Context) {
	if err := h.registry.ClockOut(c.Request.Context(), c.Param("driver_id"), time.Now().UTC()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
