package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPlaceRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("authorization = %q", got)
		}
		var req CallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Destination != "+15550001111" || req.RequestID != "req-1" {
			t.Errorf("request payload: %+v", req)
		}
		if req.Metadata["user_id"] != "u1" {
			t.Errorf("metadata not forwarded: %v", req.Metadata)
		}
		_ = json.NewEncoder(w).Encode(CallResult{Success: true, DispatchID: "d-42"})
	}))
	defer srv.Close()

	dialer := NewHTTPDialer(srv.URL, "token", time.Second, nil)
	result, err := dialer.Place(context.Background(), CallRequest{
		RequestID:   "req-1",
		Destination: "+15550001111",
		Script:      "hello",
		Metadata:    map[string]string{"user_id": "u1"},
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if !result.Success || result.DispatchID != "d-42" {
		t.Fatalf("result: %+v", result)
	}
}

func TestPlaceGeneratesRequestID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req CallRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.RequestID == "" {
			t.Errorf("request id not generated")
		}
		_ = json.NewEncoder(w).Encode(CallResult{Success: true})
	}))
	defer srv.Close()

	dialer := NewHTTPDialer(srv.URL, "", time.Second, nil)
	if _, err := dialer.Place(context.Background(), CallRequest{Destination: "+15550001111"}); err != nil {
		t.Fatalf("place: %v", err)
	}
}

func TestPlaceRequiresDestination(t *testing.T) {
	dialer := NewHTTPDialer("http://unused.invalid", "", time.Second, nil)
	if _, err := dialer.Place(context.Background(), CallRequest{}); err == nil {
		t.Fatalf("missing destination should be rejected before any request")
	}
}

func TestPlaceCarrierRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(CallResult{Success: false, Error: "number unreachable"})
	}))
	defer srv.Close()

	dialer := NewHTTPDialer(srv.URL, "", time.Second, nil)
	result, err := dialer.Place(context.Background(), CallRequest{Destination: "+15550001111"})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if result.Success || result.Error != "number unreachable" {
		t.Fatalf("result: %+v", result)
	}
}

func TestPlaceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer srv.Close()

	dialer := NewHTTPDialer(srv.URL, "", time.Second, nil)
	if _, err := dialer.Place(context.Background(), CallRequest{Destination: "+15550001111"}); err == nil {
		t.Fatalf("expected status error")
	}
}
