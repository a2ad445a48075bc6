package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"fleet-hos-engine/config"
)

func TestProbeClassifiesLatency(t *testing.T) {
	var delayMS int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Duration(atomic.LoadInt64(&delayMS)) * time.Millisecond)
	}))
	defer server.Close()

	monitor := NewMonitor(&config.ConnectivityConfig{
		ProbeURL:             server.URL,
		TimeoutSeconds:       2,
		ConstrainedLatencyMS: 100,
	})
	assert.Equal(t, Offline, monitor.State(), "monitors start offline until the first probe")

	monitor.probe(context.Background())
	assert.Equal(t, OnlineGood, monitor.State())

	atomic.StoreInt64(&delayMS, 250)
	monitor.probe(context.Background())
	assert.Equal(t, OnlineConstrained, monitor.State())

	server.Close()
	monitor.probe(context.Background())
	assert.Equal(t, Offline, monitor.State())
}

func TestSubscribeDeliversLatestTransition(t *testing.T) {
	monitor := NewMonitor(&config.ConnectivityConfig{TimeoutSeconds: 1})
	ch := monitor.Subscribe()

	// A slow subscriber misses intermediate states but always sees the
	// newest one.
	monitor.Set(OnlineGood)
	monitor.Set(OnlineConstrained)
	monitor.Set(Offline)

	select {
	case state := <-ch:
		assert.Equal(t, Offline, state)
	default:
		t.Fatal("expected a buffered transition")
	}
}

func TestSetSkipsRedundantTransitions(t *testing.T) {
	monitor := NewMonitor(&config.ConnectivityConfig{TimeoutSeconds: 1})
	ch := monitor.Subscribe()

	monitor.Set(Offline)

	select {
	case state := <-ch:
		t.Fatalf("unchanged state %s should not notify", state)
	default:
	}
}

func TestStateOnline(t *testing.T) {
	assert.False(t, Offline.Online())
	assert.True(t, OnlineGood.Online())
	assert.True(t, OnlineConstrained.Online())
}
