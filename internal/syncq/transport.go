package syncq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fleet-hos-engine/config"
	"fleet-hos-engine/internal/model"
)

var (
	// ErrTransport wraps recoverable network failures; they drive
	// retry/backoff and are never user-facing until retries pass the
	// configured ceiling.
	ErrTransport = errors.New("transport failure")
	// ErrIntegrity marks a checksum mismatch on acknowledgement. Always
	// retried; escalated if it repeats for the same item.
	ErrIntegrity = errors.New("acknowledgement integrity check failed")
)

// PermanentError marks a 4xx-class validation rejection from the backend.
// The item is moved to the Rejected terminal state, never silently dropped
// nor retried indefinitely.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("backend rejected batch: status %d: %s", e.StatusCode, e.Body)
}

// Batch is one outbound transmission. Items are all of a single priority
// class; the batch checksum covers every item checksum in order.
type Batch struct {
	BatchChecksum string                `json:"batch_checksum"`
	Items         []model.SyncQueueItem `json:"items"`
}

// NewBatch computes the batch checksum over the item checksums.
func NewBatch(items []model.SyncQueueItem) Batch {
	sums := make([]string, len(items))
	for i, item := range items {
		sums[i] = item.Checksum
	}
	return Batch{
		BatchChecksum: Checksum([]byte(strings.Join(sums, "|"))),
		Items:         items,
	}
}

// ItemAck confirms one item; the backend echoes the checksum it validated.
type ItemAck struct {
	ItemID   string `json:"item_id"`
	Checksum string `json:"checksum"`
}

// BatchAck is the backend's confirmation for a batch.
type BatchAck struct {
	Acks []ItemAck `json:"acks"`
}

// ServerConflict reports a server-side divergence for an entity referenced
// by a queued item, surfaced by the conflict poll.
type ServerConflict struct {
	ItemID          string `json:"item_id"`
	EntityRef       string `json:"entity_ref"`
	LocalVersion    int64  `json:"local_version"`
	ServerVersion   int64  `json:"server_version"`
	ServerDeleted   bool   `json:"server_deleted"`
	ServerEntityRef string `json:"server_entity_ref"`
}

// Transport is the backend the queue drains into. Implementations must
// bound every call; the manager additionally applies its own timeout.
type Transport interface {
	SendBatch(ctx context.Context, batch Batch) (*BatchAck, error)
	PollConflicts(ctx context.Context, driverID string) ([]ServerConflict, error)
}

// HTTPTransport ships batches as JSON over HTTP.
type HTTPTransport struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// NewHTTPTransport builds the production transport from config.
func NewHTTPTransport(cfg *config.SyncConfig) *HTTPTransport {
	return &HTTPTransport{
		endpoint: cfg.Endpoint,
		headers:  cfg.Headers,
		client: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		},
	}
}

// SendBatch posts one batch and decodes the acknowledgement.
func (t *HTTPTransport) SendBatch(ctx context.Context, batch Batch) (*BatchAck, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}

	resp, err := t.do(ctx, http.MethodPost, t.endpoint+"/batches", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading ack: %v", ErrTransport, err)
	}

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &PermanentError{StatusCode: resp.StatusCode, Body: string(respBody)}
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
	}

	var ack BatchAck
	if err := json.Unmarshal(respBody, &ack); err != nil {
		return nil, fmt.Errorf("%w: undecodable ack: %v", ErrIntegrity, err)
	}
	return &ack, nil
}

// PollConflicts fetches server-side divergences for a driver.
func (t *HTTPTransport) PollConflicts(ctx context.Context, driverID string) ([]ServerConflict, error) {
	resp, err := t.do(ctx, http.MethodGet, t.endpoint+"/conflicts?driver_id="+driverID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: conflict poll status %d", ErrTransport, resp.StatusCode)
	}

	var conflicts []ServerConflict
	if err := json.NewDecoder(resp.Body).Decode(&conflicts); err != nil {
		return nil, fmt.Errorf("%w: undecodable conflict list: %v", ErrTransport, err)
	}
	return conflicts, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range t.headers {
		req.Header.Set(key, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return resp, nil
}
