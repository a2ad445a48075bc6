package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fleet-hos-engine/internal/dutystate"
	"fleet-hos-engine/internal/model"
)

type transitionRequest struct {
	TargetStatus string    `json:"target_status" binding:"required"`
	Reason       string    `json:"reason"`
	OccurredAt   time.Time `json:"occurred_at"`
	// Dispatcher marks a transition forced by dispatch rather than the
	// driver. It rides the same command path so authority checks live in
	// one place.
	Dispatcher bool `json:"dispatcher"`
}

// PostTransition handles POST /api/drivers/{driver_id}/transitions.
func (h *Handler) PostTransition(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	target, err := model.ParseDutyStatus(req.TargetStatus)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	at := req.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	machine, err := h.registry.Machine(c.Request.Context(), c.Param("driver_id"), c.Query("vehicle_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	cause := model.CauseManual
	if req.Dispatcher {
		cause = model.CauseSystemForced
	}

	err = machine.RequestTransition(c.Request.Context(), target, cause, req.Reason, at)
	switch {
	case errors.Is(err, dutystate.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, dutystate.ErrConcurrentTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, dutystate.ErrLimitExceeded):
		// Not a caller failure: the engine forced OffDuty instead.
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  err.Error(),
			"status": machine.Current().String(),
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": machine.Current().String()})
	}
}

type correctionRequest struct {
	CorrectsEventID string    `json:"corrects_event_id" binding:"required"`
	Status          string    `json:"status" binding:"required"`
	Reason          string    `json:"reason" binding:"required"`
	OccurredAt      time.Time `json:"occurred_at" binding:"required"`
}

// PostCorrection handles POST /api/drivers/{driver_id}/corrections. The
// original event is never mutated; a correcting event is appended and the
// driver's windows are rebuilt from the log.
func (h *Handler) PostCorrection(c *gin.Context) {
	var req correctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status, err := model.ParseDutyStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	machine, err := h.registry.Machine(c.Request.Context(), c.Param("driver_id"), "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	err = machine.RecordCorrection(c.Request.Context(), req.CorrectsEventID, status, req.Reason, req.OccurredAt)
	switch {
	case errors.Is(err, dutystate.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, dutystate.ErrConcurrentTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.Status(http.StatusCreated)
	}
}
