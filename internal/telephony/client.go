package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type CallRequest struct {
	RequestID   string            `json:"request_id"`
	Destination string            `json:"destination"`
	Script      string            `json:"script"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type CallResult struct {
	Success    bool   `json:"success"`
	DispatchID string `json:"dispatch_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Dialer places one outbound call. Implementations must be safe for
// concurrent use; callers never retry automatically.
type Dialer interface {
	Place(ctx context.Context, req CallRequest) (CallResult, error)
}

type HTTPDialer struct {
	url    string
	apiKey string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPDialer(url, apiKey string, timeout time.Duration, logger *slog.Logger) *HTTPDialer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDialer{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (d *HTTPDialer) Place(ctx context.Context, req CallRequest) (CallResult, error) {
	if req.Destination == "" {
		return CallResult{}, fmt.Errorf("call request missing destination")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return CallResult{}, fmt.Errorf("encode call request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return CallResult{}, fmt.Errorf("build call request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return CallResult{}, fmt.Errorf("telephony service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return CallResult{}, fmt.Errorf("telephony service status %d: %s", resp.StatusCode, payload)
	}

	var result CallResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&result); err != nil {
		return CallResult{}, fmt.Errorf("malformed telephony response: %w", err)
	}
	if d.logger != nil {
		d.logger.Info("call dispatched",
			"request_id", req.RequestID,
			"dispatch_id", result.DispatchID,
			"success", result.Success,
		)
	}
	return result, nil
}
