package reasoning

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cartwatch/internal/model"
)

func consultRequest() ConsultRequest {
	return ConsultRequest{
		Current: &model.TelemetrySnapshot{UserID: "u1", Timestamp: time.Now().UTC(), CartItemCount: 2, CartValue: 120},
		Signals: model.BehaviorSignals{UserID: "u1", CartAbandonedLong: true, EngagementScore: 60, Risk: model.RiskMedium},
	}
}

func TestConsultRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization = %q", got)
		}
		var req ConsultRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Current == nil || req.Current.UserID != "u1" {
			t.Errorf("request payload: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(Advice{
			ShouldCall: true,
			Confidence: 85,
			Reasoning:  "high-value cart at risk",
			Urgency:    model.UrgencyHigh,
		})
	}))
	defer srv.Close()

	advisor := NewHTTPAdvisor(srv.URL, "secret", time.Second, nil)
	advice, err := advisor.Consult(context.Background(), consultRequest())
	if err != nil {
		t.Fatalf("consult: %v", err)
	}
	if !advice.ShouldCall || advice.Confidence != 85 || advice.Urgency != model.UrgencyHigh {
		t.Fatalf("advice: %+v", advice)
	}
}

func TestConsultClampsConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"should_call": true, "confidence": 250, "urgency": "low"}`))
	}))
	defer srv.Close()

	advisor := NewHTTPAdvisor(srv.URL, "", time.Second, nil)
	advice, err := advisor.Consult(context.Background(), consultRequest())
	if err != nil {
		t.Fatalf("consult: %v", err)
	}
	if advice.Confidence != 100 {
		t.Fatalf("confidence = %d, want clamped 100", advice.Confidence)
	}
}

func TestConsultDefaultsEmptyUrgency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"should_call": false, "confidence": 40}`))
	}))
	defer srv.Close()

	advisor := NewHTTPAdvisor(srv.URL, "", time.Second, nil)
	advice, err := advisor.Consult(context.Background(), consultRequest())
	if err != nil {
		t.Fatalf("consult: %v", err)
	}
	if advice.Urgency != model.UrgencyMedium {
		t.Fatalf("urgency = %q, want medium default", advice.Urgency)
	}
}

func TestConsultRejectsUnknownUrgency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"should_call": true, "urgency": "panic"}`))
	}))
	defer srv.Close()

	advisor := NewHTTPAdvisor(srv.URL, "", time.Second, nil)
	if _, err := advisor.Consult(context.Background(), consultRequest()); err == nil {
		t.Fatalf("unknown urgency should be rejected")
	}
}

func TestConsultNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	advisor := NewHTTPAdvisor(srv.URL, "", time.Second, nil)
	_, err := advisor.Consult(context.Background(), consultRequest())
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("err = %v, want status error", err)
	}
}

func TestConsultMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"should_call":`))
	}))
	defer srv.Close()

	advisor := NewHTTPAdvisor(srv.URL, "", time.Second, nil)
	if _, err := advisor.Consult(context.Background(), consultRequest()); err == nil {
		t.Fatalf("malformed body should be rejected")
	}
}

func TestConsultHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches the connection and cancels
		// r.Context() when the client disconnects; otherwise Close deadlocks.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	advisor := NewHTTPAdvisor(srv.URL, "", 10*time.Second, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := advisor.Consult(ctx, consultRequest()); err == nil {
		t.Fatalf("expected context deadline error")
	}
}
