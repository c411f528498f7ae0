// Package remote provides the authenticated HTTP client for the liftlog
// sync backend.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/liftlog/liftlog/internal/model"
	"github.com/liftlog/liftlog/internal/queue"
)

// Sentinel errors for the sync error taxonomy. Transport failures, timeouts
// and 5xx responses wrap ErrUnavailable (transient, retryable); 401 wraps
// ErrUnauthorized (fatal for the sync subsystem until re-authenticated).
var (
	ErrUnavailable  = errors.New("backend unavailable")
	ErrUnauthorized = errors.New("unauthorized")
)

// PushStatus classifies the backend's verdict on a pushed mutation.
type PushStatus string

const (
	// PushAccepted means the remote now reflects this write.
	PushAccepted PushStatus = "accepted"
	// PushConflict means the remote holds a newer version of the record.
	PushConflict PushStatus = "conflict"
	// PushRejected means the payload was refused permanently.
	PushRejected PushStatus = "rejected"
)

// PushResult is the outcome of pushing one queue entry.
type PushResult struct {
	Status PushStatus
	// Remote is the competing record version, set only on conflict.
	Remote *model.Record
	// Reason explains a rejection, set only on rejected.
	Reason string
}

// Config enumerates the recognized client options.
type Config struct {
	// BaseURL is the backend endpoint, e.g. "https://sync.liftlog.app".
	BaseURL string
	// TokenProvider supplies the current auth token per request, so a
	// re-login takes effect without rebuilding the client.
	TokenProvider func() string
	// DeviceID identifies this device in push idempotency keys.
	DeviceID string
	// Timeout bounds each push/pull call. Expiry is a transient failure.
	Timeout time.Duration
}

// Client talks to the sync backend. It owns authentication state handling;
// callers only see the sentinel error taxonomy.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a sync client from the given configuration.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TokenProvider == nil {
		cfg.TokenProvider = func() string { return "" }
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// pushRequest is the body for POST /v1/sync/push. The (device_id, sequence,
// entity_type, entity_id, operation) tuple is the idempotency key: a retried
// push the server already applied comes back accepted as a no-op.
type pushRequest struct {
	DeviceID   string       `json:"device_id"`
	Sequence   int64        `json:"sequence"`
	EntityType string       `json:"entity_type"`
	EntityID   string       `json:"entity_id"`
	Operation  string       `json:"operation"`
	Record     model.Record `json:"record"`
}

// pushResponse is the backend's verdict.
type pushResponse struct {
	Status string        `json:"status"`
	Remote *model.Record `json:"remote,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// pullResponse is the body of GET /v1/sync/pull.
type pullResponse struct {
	Records []model.Record `json:"records"`
}

// apiError is the standard error body from the backend.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Push sends one queue entry to the backend.
//
// Returns a PushResult for accepted/conflict/rejected verdicts; returns an
// error only for conditions outside the entry's control (ErrUnavailable for
// transient failures, ErrUnauthorized for auth failures).
func (c *Client) Push(ctx context.Context, entry queue.Entry) (PushResult, error) {
	rec, err := entry.Record()
	if err != nil {
		return PushResult{}, err
	}

	req := pushRequest{
		DeviceID:   c.cfg.DeviceID,
		Sequence:   entry.Sequence,
		EntityType: string(entry.EntityType),
		EntityID:   entry.EntityID,
		Operation:  string(entry.Operation),
		Record:     rec,
	}

	body, status, err := c.do(ctx, http.MethodPost, "/v1/sync/push", req)
	if err != nil {
		return PushResult{}, err
	}

	// 4xx other than 401 means the payload itself was refused.
	if status >= 400 {
		var apiErr apiError
		reason := fmt.Sprintf("HTTP %d", status)
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			reason = apiErr.Message
		}
		return PushResult{Status: PushRejected, Reason: reason}, nil
	}

	var resp pushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return PushResult{}, fmt.Errorf("%w: decode push response: %v", ErrUnavailable, err)
	}

	switch PushStatus(resp.Status) {
	case PushAccepted:
		return PushResult{Status: PushAccepted}, nil
	case PushConflict:
		if resp.Remote == nil {
			return PushResult{}, fmt.Errorf("%w: conflict response missing remote record", ErrUnavailable)
		}
		return PushResult{Status: PushConflict, Remote: resp.Remote}, nil
	case PushRejected:
		return PushResult{Status: PushRejected, Reason: resp.Reason}, nil
	default:
		return PushResult{}, fmt.Errorf("%w: unknown push status %q", ErrUnavailable, resp.Status)
	}
}

// Pull fetches remote records of one entity type changed after the
// watermark, ordered by remote updatedAt ascending. Pull is a pure read:
// re-calling with the same watermark returns the same or a superset of
// records.
func (c *Client) Pull(ctx context.Context, et model.EntityType, since time.Time) ([]model.Record, error) {
	params := url.Values{}
	params.Set("entity_type", string(et))
	params.Set("since", since.UTC().Format(time.RFC3339Nano))

	body, status, err := c.do(ctx, http.MethodGet, "/v1/sync/pull?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("%w: pull returned HTTP %d", ErrUnavailable, status)
	}

	var resp pullResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode pull response: %v", ErrUnavailable, err)
	}
	return resp.Records, nil
}

// Healthz probes backend reachability. Used by the connectivity monitor as
// the online/offline signal.
func (c *Client) Healthz(ctx context.Context) error {
	_, status, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: healthz returned HTTP %d", ErrUnavailable, status)
	}
	return nil
}

// do executes one request, mapping transport failures and 5xx to
// ErrUnavailable and 401 to ErrUnauthorized. Other statuses are returned to
// the caller with the response body.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.cfg.TokenProvider(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return nil, resp.StatusCode, fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
		}
		return nil, resp.StatusCode, ErrUnauthorized
	}
	if resp.StatusCode >= 500 {
		return nil, resp.StatusCode, fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	}

	return body, resp.StatusCode, nil
}
