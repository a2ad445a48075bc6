package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fleet-hos-engine/internal/model"
	"fleet-hos-engine/internal/syncq"
)

// GetQueueDepths handles GET /api/drivers/{driver_id}/queue.
func (h *Handler) GetQueueDepths(c *gin.Context) {
	depths, err := h.manager.Depths(c.Request.Context(), c.Param("driver_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"depths": depths})
}

type recordRequest struct {
	Kind       string          `json:"kind" binding:"required"`
	EntityRef  string          `json:"entity_ref" binding:"required"`
	OccurredAt time.Time       `json:"occurred_at" binding:"required"`
	Payload    json.RawMessage `json:"payload" binding:"required"`
}

// PostRecord handles POST /api/drivers/{driver_id}/records: inspections,
// incidents, fuel transactions, damage reports, delivery confirmations and
// telemetry rollups enter the sync queue here. Duty-status events do not;
// they are appended only by the state machine.
func (h *Handler) PostRecord(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind, err := model.ParsePayloadKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if kind == model.KindDutyStatus {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duty-status events are recorded via transitions, not records"})
		return
	}

	item, err := syncq.NewItem(c.Param("driver_id"), kind, req.EntityRef, req.OccurredAt, req.Payload)
	if err != nil {
		if errors.Is(err, model.ErrInvalidPayloadKind) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.Enqueue(c.Request.Context(), item); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"item_id":  item.ItemID,
		"priority": item.Priority.String(),
		"checksum": item.Checksum,
	})
}
