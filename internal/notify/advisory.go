package notify

import (
	"context"
	"log"
	"time"
)

// Severity grades an advisory for the UI/push layer.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Advisory is a fire-and-forget notification for the driver UI. Advisories
// are never persisted as duty-status events and are never a correctness
// dependency of the engine.
type Advisory struct {
	DriverID string    `json:"driver_id"`
	Severity Severity  `json:"severity"`
	Code     string    `json:"code"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Sink receives advisories. Implementations must not block the caller for
// longer than a channel handoff; delivery is best effort.
type Sink interface {
	Notify(ctx context.Context, advisory Advisory)
}

// LogSink writes advisories to the process log. Used when web push is not
// configured and as the fallback in tests.
type LogSink struct{}

// Notify logs the advisory.
func (LogSink) Notify(_ context.Context, advisory Advisory) {
	log.Printf("advisory [%s] driver=%s %s: %s", advisory.Severity, advisory.DriverID, advisory.Code, advisory.Message)
}
