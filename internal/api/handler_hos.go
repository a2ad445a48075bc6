package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fleet-hos-engine/internal/hos"
)

// hosWindowResponse is the flattened structure for the API response.
// Durations are whole seconds; zero time fields are omitted.
type hosWindowResponse struct {
	DriverID string    `json:"driverId"`
	At       time.Time `json:"at"`
	Status   string    `json:"status"`

	DriveTodaySecs      int64 `json:"driveTodaySecs"`
	OnDutyTodaySecs     int64 `json:"onDutyTodaySecs"`
	DriveSinceBreakSecs int64 `json:"driveSinceBreakSecs"`
	Rolling7DaySecs     int64 `json:"rolling7DaySecs"`
	Rolling8DaySecs     int64 `json:"rolling8DaySecs"`

	LastBreakEnd   *time.Time `json:"lastBreakEnd,omitempty"`
	Last34hRestart *time.Time `json:"last34hRestart,omitempty"`

	RemainingDriveSecs  int64 `json:"remainingDriveSecs"`
	RemainingOnDutySecs int64 `json:"remainingOnDutySecs"`
	RemainingCycleSecs  int64 `json:"remainingCycleSecs"`
}

// GetHOSWindow handles GET /api/drivers/{driver_id}/hos. An optional "at"
// RFC3339 query projects the window forward, assuming the current status
// continues.
func (h *Handler) GetHOSWindow(c *gin.Context) {
	at := time.Now().UTC()
	if atParam := c.Query("at"); atParam != "" {
		parsed, err := time.Parse(time.RFC3339, atParam)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid 'at' timestamp format. Use RFC3339."})
			return
		}
		at = parsed.UTC()
	}

	machine, err := h.registry.Machine(c.Request.Context(), c.Param("driver_id"), "")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	window := machine.Window(at)
	c.JSON(http.StatusOK, windowResponse(window, machine.Current().String()))
}

func windowResponse(w hos.Window, status string) hosWindowResponse {
	resp := hosWindowResponse{
		DriverID:            w.DriverID,
		At:                  w.At,
		Status:              status,
		DriveTodaySecs:      w.DriveTodaySecs,
		OnDutyTodaySecs:     w.OnDutyTodaySecs,
		DriveSinceBreakSecs: w.DriveSinceBreakSecs,
		Rolling7DaySecs:     w.Rolling7DaySecs,
		Rolling8DaySecs:     w.Rolling8DaySecs,
		RemainingDriveSecs:  w.RemainingDriveSecs,
		RemainingOnDutySecs: w.RemainingOnDutySecs,
		RemainingCycleSecs:  w.RemainingCycleSecs,
	}
	if !w.LastBreakEnd.IsZero() {
		t := w.LastBreakEnd
		resp.LastBreakEnd = &t
	}
	if !w.Last34hRestart.IsZero() {
		t := w.Last34hRestart
		resp.Last34hRestart = &t
	}
	return resp
}
