package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cartwatch/internal/aggregator"
	"cartwatch/internal/api"
	"cartwatch/internal/config"
	"cartwatch/internal/decision"
	"cartwatch/internal/detector"
	"cartwatch/internal/ingest"
	"cartwatch/internal/logging"
	"cartwatch/internal/metrics"
	"cartwatch/internal/model"
	"cartwatch/internal/outreach"
	"cartwatch/internal/pipeline"
	"cartwatch/internal/reasoning"
	"cartwatch/internal/storage"
	"cartwatch/internal/telephony"
	"cartwatch/internal/trend"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to YAML or JSON config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("cartwatchd", version)
		return
	}

	var (
		mgr *config.Manager
		err error
	)
	if *configPath != "" {
		mgr, err = config.NewManager(config.ResolvePath(*configPath))
		if err != nil {
			fmt.Fprintln(os.Stderr, "config error:", err)
			os.Exit(1)
		}
	} else {
		mgr = config.NewStaticManager(config.DefaultConfig())
	}
	cfg := mgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage init error", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if store != nil {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := store.Init(initCtx); err != nil {
			cancel()
			logger.Error("storage schema init error", "err", err)
			os.Exit(1)
		}
		cancel()
		defer store.Close()
	}

	det := detector.New(cfg.Detection)
	stats, registry := metrics.New(func() float64 { return float64(det.Count()) })
	agg := aggregator.New(cfg.Aggregator, logging.Component(logger, "aggregator"))
	series := trend.NewSeriesStore(cfg.Trend.Retention, cfg.Trend.SeriesPointLimit)

	var advisor reasoning.Advisor
	if cfg.Reasoning.Enabled {
		advisor = reasoning.NewHTTPAdvisor(cfg.Reasoning.URL, cfg.Reasoning.APIKey, cfg.Reasoning.Timeout, logging.Component(logger, "reasoning"))
	}
	var dialer telephony.Dialer
	if cfg.Telephony.Enabled {
		dialer = telephony.NewHTTPDialer(cfg.Telephony.URL, cfg.Telephony.APIKey, cfg.Telephony.Timeout, logging.Component(logger, "telephony"))
	}

	engine := decision.NewEngine(cfg.Decision, advisor, stats, logging.Component(logger, "decision"))
	history := outreach.NewHistory()
	orchestrator := outreach.NewOrchestrator(cfg.Outreach, dialer, history, store, stats, logging.Component(logger, "outreach"))

	pipe := pipeline.New(cfg, det, series, engine, orchestrator, agg, store, stats, logging.Component(logger, "pipeline"))

	events := make(chan model.TelemetrySnapshot, cfg.Ingest.ChannelBuffer)
	pipe.Start(ctx, events)

	ingestLogger := logging.Component(logger, "ingest")
	ingest.StartREST(ctx, mgr, events, ingestLogger)
	ingest.StartTCPStream(ctx, mgr, events, ingestLogger)
	ingest.StartKafka(ctx, mgr, events, ingestLogger)

	api.Start(ctx, mgr, agg, series, engine, history, pipe, registry, logging.Component(logger, "api"), version)

	if mgr.Path() != "" {
		go mgr.Watch(3*time.Second,
			func(next *config.Config) {
				pipe.UpdateConfig(next)
				logger.Info("config reloaded", "path", mgr.Path())
			},
			func(err error) {
				logger.Warn("config reload error", "err", err)
			},
			ctx.Done(),
		)
	}

	logger.Info("cartwatchd started", "version", version)
	<-ctx.Done()
	logger.Info("cartwatchd shutting down")
}
