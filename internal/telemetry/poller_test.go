package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"fleet-hos-engine/config"
)

// recordingHandler captures every sample the poller forwards.
type recordingHandler struct {
	samples []Sample
}

func (h *recordingHandler) HandleSample(sample Sample) error {
	h.samples = append(h.samples, sample)
	return nil
}

func gatewayServer(t *testing.T, code int, samples []Sample) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := gatewayResponse{Code: code, Samples: samples}
		w.Header().Set("Content-Type", "application/json")
		assert.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestPollOnceForwardsValidSamples(t *testing.T) {
	now := time.Now().UTC()
	server := gatewayServer(t, 0, []Sample{
		{DriverID: "drv-1", VehicleID: "veh-9", SpeedMPH: 48, EngineOn: true, RecordedAt: now, Confidence: 0.95},
		{DriverID: "drv-1", VehicleID: "veh-9", SpeedMPH: 49, EngineOn: true, RecordedAt: now.Add(time.Second), Confidence: 0.95},
	})
	defer server.Close()

	handler := &recordingHandler{}
	poller := NewPoller(&config.PollerConfig{Enabled: true, URL: server.URL}, handler)
	poller.PollOnce(context.Background())

	assert.Len(t, handler.samples, 2)
	assert.Equal(t, "drv-1", handler.samples[0].DriverID)
	assert.Equal(t, 48.0, handler.samples[0].SpeedMPH)
}

func TestPollOnceDropsInvalidSamples(t *testing.T) {
	now := time.Now().UTC()
	server := gatewayServer(t, 0, []Sample{
		{DriverID: "", VehicleID: "veh-9", SpeedMPH: 48, RecordedAt: now, Confidence: 0.95},
		{DriverID: "drv-1", VehicleID: "veh-9", SpeedMPH: -3, RecordedAt: now, Confidence: 0.95},
		{DriverID: "drv-1", VehicleID: "veh-9", SpeedMPH: 48, EngineOn: true, RecordedAt: now, Confidence: 0.95},
	})
	defer server.Close()

	handler := &recordingHandler{}
	poller := NewPoller(&config.PollerConfig{Enabled: true, URL: server.URL}, handler)
	poller.PollOnce(context.Background())

	assert.Len(t, handler.samples, 1, "malformed samples are dropped, valid ones still flow")
}

func TestPollOnceRejectsGatewayErrorCode(t *testing.T) {
	server := gatewayServer(t, 1, []Sample{
		{DriverID: "drv-1", VehicleID: "veh-9", SpeedMPH: 48, EngineOn: true, RecordedAt: time.Now(), Confidence: 0.95},
	})
	defer server.Close()

	handler := &recordingHandler{}
	poller := NewPoller(&config.PollerConfig{Enabled: true, URL: server.URL}, handler)
	poller.PollOnce(context.Background())

	assert.Empty(t, handler.samples, "a non-zero gateway code discards the whole response")
}

func TestPollerSendsConfiguredHeaders(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(gatewayResponse{Code: 0})
	}))
	defer server.Close()

	poller := NewPoller(&config.PollerConfig{
		Enabled: true,
		URL:     server.URL,
		Headers: map[string]string{"Authorization": "Bearer fleet-token"},
	}, &recordingHandler{})
	poller.PollOnce(context.Background())

	assert.Equal(t, "Bearer fleet-token", gotAuth)
}
