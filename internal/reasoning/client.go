package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cartwatch/internal/model"
)

// ConsultRequest is the structured context sent to the reasoning
// collaborator. Only typed fields cross this boundary; the service's
// free-text rationale comes back for audit display alone.
type ConsultRequest struct {
	Current  *model.TelemetrySnapshot `json:"current"`
	Previous *model.TelemetrySnapshot `json:"previous,omitempty"`
	Signals  model.BehaviorSignals    `json:"signals"`
	Trend    *model.TrendAnalysis     `json:"trend,omitempty"`
}

type Advice struct {
	ShouldCall        bool          `json:"should_call"`
	Confidence        int           `json:"confidence"`
	Reasoning         string        `json:"reasoning"`
	Urgency           model.Urgency `json:"urgency"`
	AlternativeAction string        `json:"alternative_action"`
}

// Advisor is the narrow capability the decision engine consults. Any
// error from Consult sends the caller down the deterministic fallback.
type Advisor interface {
	Consult(ctx context.Context, req ConsultRequest) (Advice, error)
}

type HTTPAdvisor struct {
	url    string
	apiKey string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPAdvisor(url, apiKey string, timeout time.Duration, logger *slog.Logger) *HTTPAdvisor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPAdvisor{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (a *HTTPAdvisor) Consult(ctx context.Context, req ConsultRequest) (Advice, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Advice{}, fmt.Errorf("encode consult request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return Advice{}, fmt.Errorf("build consult request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Advice{}, fmt.Errorf("reasoning service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Advice{}, fmt.Errorf("reasoning service status %d: %s", resp.StatusCode, payload)
	}

	var advice Advice
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&advice); err != nil {
		return Advice{}, fmt.Errorf("malformed reasoning response: %w", err)
	}
	if advice.Confidence < 0 {
		advice.Confidence = 0
	}
	if advice.Confidence > 100 {
		advice.Confidence = 100
	}
	switch advice.Urgency {
	case model.UrgencyLow, model.UrgencyMedium, model.UrgencyHigh, model.UrgencyCritical:
	case "":
		advice.Urgency = model.UrgencyMedium
	default:
		return Advice{}, fmt.Errorf("malformed reasoning response: unknown urgency %q", advice.Urgency)
	}
	if a.logger != nil {
		a.logger.Debug("reasoning consult complete",
			"user_id", req.Signals.UserID,
			"should_call", advice.ShouldCall,
			"confidence", advice.Confidence,
		)
	}
	return advice, nil
}
