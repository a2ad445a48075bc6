package connectivity

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"fleet-hos-engine/config"
)

// State is the device's network condition. Bandwidth class is folded into
// the online states so subscribers can pace transmissions.
type State string

const (
	Offline           State = "OFFLINE"
	OnlineGood        State = "ONLINE_GOOD"
	OnlineConstrained State = "ONLINE_CONSTRAINED"
)

// Online reports whether any transmission is possible.
func (s State) Online() bool { return s != Offline }

// Monitor probes a reachability URL on an interval and publishes state
// transitions. Platform hooks and tests can inject a state with Set.
type Monitor struct {
	cfg    *config.ConnectivityConfig
	client *http.Client

	mu    sync.Mutex
	state State
	subs  []chan State
}

// NewMonitor creates a monitor that starts Offline until the first probe.
func NewMonitor(cfg *config.ConnectivityConfig) *Monitor {
	return &Monitor{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		state: Offline,
	}
}

// State returns the last observed state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe returns a channel that receives state transitions. The channel
// is buffered and latest-wins: a slow subscriber sees the newest state.
func (m *Monitor) Subscribe() <-chan State {
	ch := make(chan State, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Set injects a state observation, notifying subscribers on change.
func (m *Monitor) Set(state State) {
	m.mu.Lock()
	changed := m.state != state
	m.state = state
	subs := m.subs
	m.mu.Unlock()

	if !changed {
		return
	}
	log.Printf("Connectivity transition: %s", state)
	for _, ch := range subs {
		select {
		case ch <- state:
		default:
			// Drop the stale value so the newest state wins.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
}

// Run probes until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if m.cfg.ProbeURL == "" {
		log.Println("Connectivity probe URL not configured; staying in manual mode.")
		return
	}

	m.probe(ctx)

	timer := time.NewTimer(m.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Connectivity monitor shutting down.")
			return
		case <-timer.C:
			m.probe(ctx)
			timer.Reset(m.cfg.Interval)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.cfg.ProbeURL, nil)
	if err != nil {
		log.Printf("Connectivity probe request error: %v", err)
		m.Set(Offline)
		return
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		m.Set(Offline)
		return
	}
	resp.Body.Close()

	latency := time.Since(start)
	if latency > time.Duration(m.cfg.ConstrainedLatencyMS)*time.Millisecond {
		m.Set(OnlineConstrained)
		return
	}
	m.Set(OnlineGood)
}
