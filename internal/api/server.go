package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cartwatch/internal/aggregator"
	"cartwatch/internal/config"
	"cartwatch/internal/decision"
	"cartwatch/internal/model"
	"cartwatch/internal/outreach"
	"cartwatch/internal/trend"
)

// PipelineControl is the slice of the pipeline the API may touch.
type PipelineControl interface {
	Pause()
	Resume()
	Running() bool
	Started() time.Time
	ClearUser(userID string)
}

type Server struct {
	cfg      *config.Manager
	agg      *aggregator.Aggregator
	series   *trend.SeriesStore
	engine   *decision.Engine
	history  *outreach.History
	pipeline PipelineControl
	logger   *slog.Logger
	version  string
}

type statusResponse struct {
	Status     string       `json:"status"`
	Time       string       `json:"time"`
	Version    string       `json:"version"`
	ConfigPath string       `json:"config_path,omitempty"`
	Uptime     string       `json:"uptime"`
	Ingesting  bool         `json:"ingesting"`
	Ingest     ingestStatus `json:"ingest"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type userResponse struct {
	UserID   string                   `json:"user_id"`
	Snapshot *model.TelemetrySnapshot `json:"snapshot,omitempty"`
	Series   []model.SeriesPoint      `json:"series,omitempty"`
	Trend    *model.TrendAnalysis     `json:"trend,omitempty"`
	Phase    decision.Phase           `json:"phase"`
	Call     *model.CallRecord        `json:"call,omitempty"`
}

func Start(ctx context.Context, cfg *config.Manager, agg *aggregator.Aggregator, series *trend.SeriesStore, engine *decision.Engine, history *outreach.History, pipeline PipelineControl, registry *prometheus.Registry, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:      cfg,
		agg:      agg,
		series:   series,
		engine:   engine,
		history:  history,
		pipeline: pipeline,
		logger:   logger,
		version:  version,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/dashboard", server.handleDashboard)
	mux.HandleFunc("/dashboard/history", server.handleHistory)
	mux.HandleFunc("/dashboard/events", server.handleEvents)
	mux.HandleFunc("/users/", server.handleUser)
	mux.HandleFunc("/calls", server.handleCalls)
	mux.HandleFunc("/admin/ingest/start", server.handleIngestStart)
	mux.HandleFunc("/admin/ingest/stop", server.handleIngestStop)
	mux.HandleFunc("/admin/clear", server.handleClear)
	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	uptime := ""
	ingesting := true
	if s.pipeline != nil {
		uptime = time.Since(s.pipeline.Started()).Truncate(time.Second).String()
		ingesting = s.pipeline.Running()
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Uptime:     uptime,
		Ingesting:  ingesting,
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.agg.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	history := s.agg.History()
	writeJSON(w, http.StatusOK, map[string]any{
		"history": history,
		"count":   len(history),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	events := s.agg.Events(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userID := strings.TrimPrefix(r.URL.Path, "/users/")
	if userID == "" || strings.Contains(userID, "/") {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	resp := userResponse{
		UserID: userID,
		Phase:  s.engine.Phase(userID),
	}
	if snap, ok := s.agg.Latest(userID); ok {
		resp.Snapshot = &snap
	}
	resp.Series = s.series.Get(userID, trend.MetricEngagement)
	if len(resp.Series) > 0 {
		analysis := trend.Analyze(resp.Series, s.cfg.Get().Trend)
		resp.Trend = &analysis
	}
	if rec, ok := s.history.Get(userID); ok {
		resp.Call = &rec
	}
	if resp.Snapshot == nil && len(resp.Series) == 0 && resp.Call == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	calls := s.history.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"calls": calls,
		"count": len(calls),
	})
}

func (s *Server) handleIngestStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.pipeline != nil {
		s.pipeline.Resume()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ingesting": true})
}

func (s *Server) handleIngestStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.pipeline != nil {
		s.pipeline.Pause()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ingesting": false})
}

// handleClear resets one user's detection, decision, and call state.
// Testing only: it hands back the user's one-shot outreach budget.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		UserID string `json:"user_id"`
	}
	_ = json.Unmarshal(body, &req)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if s.pipeline != nil {
		s.pipeline.ClearUser(req.UserID)
	}
	if s.logger != nil {
		s.logger.Warn("user state cleared via admin api", "user_id", req.UserID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "user_id": req.UserID})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
