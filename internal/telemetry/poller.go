package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"fleet-hos-engine/config"
)

// gatewayResponse models the pull-mode gateway's sample feed.
type gatewayResponse struct {
	Code    int      `json:"code"`
	Samples []Sample `json:"samples"`
}

// Poller pulls samples from gateways that cannot push over the WebSocket.
type Poller struct {
	cfg     *config.PollerConfig
	handler Handler
	client  *http.Client
}

// NewPoller creates a pull-mode telemetry poller.
func NewPoller(cfg *config.PollerConfig, handler Handler) *Poller {
	var transport http.RoundTripper = &http.Transport{}
	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			log.Printf("Warning: Invalid proxy URL %q: %v. Poller will not use a proxy.", cfg.HTTPProxy, err)
		} else {
			transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}

	return &Poller{
		cfg:     cfg,
		handler: handler,
		client: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Run polls the gateway on the configured interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	if !p.cfg.Enabled {
		log.Println("Telemetry poller is disabled. Not starting.")
		return
	}
	log.Println("Starting telemetry poller...")

	p.PollOnce(ctx)

	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Telemetry poller shutting down.")
			return
		case <-timer.C:
			p.PollOnce(ctx)
			timer.Reset(p.cfg.Interval)
		}
	}
}

// PollOnce fetches one batch of samples and feeds them to the handler.
func (p *Poller) PollOnce(ctx context.Context) {
	resp, err := p.fetch(ctx)
	if err != nil {
		log.Printf("Error polling telemetry gateway: %v", err)
		return
	}

	for _, sample := range resp.Samples {
		if err := sample.Validate(); err != nil {
			log.Printf("Dropping invalid gateway sample: %v", err)
			continue
		}
		if err := p.handler.HandleSample(sample); err != nil {
			log.Printf("Error handling sample for driver %s: %v", sample.DriverID, err)
		}
	}
}

func (p *Poller) fetch(ctx context.Context) (*gatewayResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range p.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var gwResp gatewayResponse
	if err := json.Unmarshal(body, &gwResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gateway response: %w", err)
	}
	if gwResp.Code != 0 {
		return nil, fmt.Errorf("gateway returned non-zero application code: %d", gwResp.Code)
	}
	return &gwResp, nil
}
