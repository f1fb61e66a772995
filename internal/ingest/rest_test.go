package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cartwatch/internal/model"
)

func restServerForTest(out chan model.TelemetrySnapshot) *RESTServer {
	return &RESTServer{out: out}
}

func TestHandleTelemetrySingle(t *testing.T) {
	out := make(chan model.TelemetrySnapshot, 4)
	srv := restServerForTest(out)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/telemetry", strings.NewReader(`{"user_id": "u1", "cart_item_count": 2}`))
	srv.handleTelemetry(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var resp struct {
		Accepted int `json:"accepted"`
		Failed   int `json:"failed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 1 || resp.Failed != 0 {
		t.Fatalf("accounting: %+v", resp)
	}
	select {
	case snap := <-out:
		if snap.UserID != "u1" || snap.Source != "rest" {
			t.Fatalf("forwarded snapshot: %+v", snap)
		}
	default:
		t.Fatalf("snapshot not forwarded")
	}
}

func TestHandleTelemetryBatchAccounting(t *testing.T) {
	out := make(chan model.TelemetrySnapshot, 4)
	srv := restServerForTest(out)

	body := `[
		{"user_id": "u1"},
		{"cart_item_count": 3},
		{"user_id": "u2"}
	]`
	rec := httptest.NewRecorder()
	srv.handleTelemetry(rec, httptest.NewRequest(http.MethodPost, "/telemetry", strings.NewReader(body)))

	var resp struct {
		Accepted int `json:"accepted"`
		Failed   int `json:"failed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 2 || resp.Failed != 1 {
		t.Fatalf("accounting: %+v", resp)
	}
}

func TestHandleTelemetryChannelFull(t *testing.T) {
	out := make(chan model.TelemetrySnapshot, 1)
	srv := restServerForTest(out)

	body := `[{"user_id": "u1"}, {"user_id": "u2"}]`
	rec := httptest.NewRecorder()
	srv.handleTelemetry(rec, httptest.NewRequest(http.MethodPost, "/telemetry", strings.NewReader(body)))

	var resp struct {
		Accepted int `json:"accepted"`
		Failed   int `json:"failed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 1 || resp.Failed != 1 {
		t.Fatalf("overflow accounting: %+v", resp)
	}
}

func TestHandleTelemetryRejectsBadRequests(t *testing.T) {
	out := make(chan model.TelemetrySnapshot, 1)
	srv := restServerForTest(out)

	rec := httptest.NewRecorder()
	srv.handleTelemetry(rec, httptest.NewRequest(http.MethodGet, "/telemetry", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET: code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.handleTelemetry(rec, httptest.NewRequest(http.MethodPost, "/telemetry", strings.NewReader("  ")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty body: code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.handleTelemetry(rec, httptest.NewRequest(http.MethodPost, "/telemetry", strings.NewReader(`{"cart_item_count": 1}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing user id: code = %d", rec.Code)
	}
}

func TestSendNonBlockingDropsWhenFull(t *testing.T) {
	out := make(chan model.TelemetrySnapshot, 1)
	ctx := context.Background()
	snap := model.TelemetrySnapshot{UserID: "u1", Timestamp: time.Now()}

	if !SendNonBlocking(ctx, out, snap, nil) {
		t.Fatalf("send into empty channel should succeed")
	}
	if SendNonBlocking(ctx, out, snap, nil) {
		t.Fatalf("send into full channel should drop")
	}
	if len(out) != 1 {
		t.Fatalf("channel length = %d", len(out))
	}
}

func TestBackoffSleepRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if BackoffSleep(ctx, time.Minute) {
		t.Fatalf("cancelled context should abort the sleep")
	}
	if !BackoffSleep(context.Background(), time.Millisecond) {
		t.Fatalf("short sleep should complete")
	}
}
