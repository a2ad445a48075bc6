package telemetry

import (
	"errors"
	"time"
)

// Sample is one timestamped speed/engine-state reading from the vehicle
// gateway. Gateways push at least one sample per second while the engine
// is on.
type Sample struct {
	DriverID   string    `json:"driver_id"`
	VehicleID  string    `json:"vehicle_id"`
	SpeedMPH   float64   `json:"speed_mph"`
	EngineOn   bool      `json:"engine_on"`
	Latitude   *float64  `json:"latitude,omitempty"`
	Longitude  *float64  `json:"longitude,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
	// Confidence grades the reading; low-confidence samples never arm
	// or advance the auto-switch debounce window.
	Confidence float64 `json:"confidence"`
}

var (
	ErrMissingDriverID  = errors.New("sample driver id is missing")
	ErrMissingTimestamp = errors.New("sample recorded_at is missing")
	ErrNegativeSpeed    = errors.New("sample speed cannot be negative")
)

// Validate checks required sample fields.
func (s Sample) Validate() error {
	if s.DriverID == "" {
		return ErrMissingDriverID
	}
	if s.RecordedAt.IsZero() {
		return ErrMissingTimestamp
	}
	if s.SpeedMPH < 0 {
		return ErrNegativeSpeed
	}
	return nil
}

// Handler consumes samples. The duty-status registry implements it.
type Handler interface {
	HandleSample(sample Sample) error
}
