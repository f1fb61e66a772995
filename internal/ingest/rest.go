package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cartwatch/internal/config"
	"cartwatch/internal/model"
)

type RESTServer struct {
	cfg    *config.Manager
	out    chan<- model.TelemetrySnapshot
	logger *slog.Logger
}

// StartREST serves the storefront collaborator's telemetry POSTs.
// Authentication is the surrounding service's problem, not ours.
func StartREST(ctx context.Context, cfg *config.Manager, out chan<- model.TelemetrySnapshot, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := &RESTServer{cfg: cfg, out: out, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/telemetry", server.handleTelemetry)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
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
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil || len(trimSpace(body)) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	snapshots, parseErrs := ParseSnapshotBatch(body)
	if len(snapshots) == 0 && len(parseErrs) > 0 {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accepted": 0,
			"failed":   len(parseErrs),
		})
		return
	}

	accepted := 0
	failed := len(parseErrs)
	for _, snap := range snapshots {
		snap.Source = "rest"
		if SendNonBlocking(r.Context(), s.out, snap, s.logger) {
			accepted++
		} else {
			failed++
		}
	}
	if failed > 0 && s.logger != nil {
		s.logger.Warn("rest telemetry partially rejected", "accepted", accepted, "failed", failed)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accepted": accepted,
		"failed":   failed,
	})
}
