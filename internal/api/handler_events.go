package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fleet-hos-engine/internal/eventlog"
)

// GetEvents handles GET /api/drivers/{driver_id}/events. The range defaults
// to the trailing 24 hours. Quarantined entries surface as a partial result
// with an incomplete flag rather than a hard failure.
func (h *Handler) GetEvents(c *gin.Context) {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)

	if fromParam := c.Query("from"); fromParam != "" {
		parsed, err := time.Parse(time.RFC3339, fromParam)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid 'from' timestamp format. Use RFC3339."})
			return
		}
		from = parsed.UTC()
	}
	if toParam := c.Query("to"); toParam != "" {
		parsed, err := time.Parse(time.RFC3339, toParam)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid 'to' timestamp format. Use RFC3339."})
			return
		}
		to = parsed.UTC()
	}

	events, err := h.store.EventsByDriver(c.Request.Context(), c.Param("driver_id"), from, to)
	if err != nil && !errors.Is(err, eventlog.ErrStorageCorruption) {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events":     events,
		"incomplete": errors.Is(err, eventlog.ErrStorageCorruption),
	})
}
