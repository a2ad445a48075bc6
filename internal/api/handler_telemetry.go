package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"fleet-hos-engine/internal/dutystate"
	"fleet-hos-engine/internal/telemetry"
)

// The gateway and UI are device-local; the socket is not exposed off-box.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// PostTelemetrySample handles POST /api/telemetry, the one-shot ingest path
// for gateways that cannot hold a socket open.
func (h *Handler) PostTelemetrySample(c *gin.Context) {
	var sample telemetry.Sample
	if err := c.ShouldBindJSON(&sample); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.registry.HandleSample(sample); err != nil {
		if errors.Is(err, dutystate.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Status(http.StatusAccepted)
}

type sampleAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// TelemetrySocket handles GET /ws/telemetry. The gateway streams samples
// as JSON frames, at least one per second while the engine is on; each
// frame is acked so the gateway can detect a wedged engine-side consumer.
func (h *Handler) TelemetrySocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Error upgrading telemetry socket: %v", err)
		return
	}
	defer conn.Close()

	for {
		var sample telemetry.Sample
		if err := conn.ReadJSON(&sample); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Telemetry socket closed unexpectedly: %v", err)
			}
			return
		}

		ack := sampleAck{OK: true}
		if err := h.registry.HandleSample(sample); err != nil {
			// Bad samples are reported back but never tear the stream down.
			ack = sampleAck{OK: false, Error: err.Error()}
		}
		if err := conn.WriteJSON(ack); err != nil {
			log.Printf("Error writing telemetry ack: %v", err)
			return
		}
	}
}
