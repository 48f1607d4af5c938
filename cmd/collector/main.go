package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelmesh/consensus-core/internal/broadcast"
	"github.com/sentinelmesh/consensus-core/internal/collector/aggregator"
	"github.com/sentinelmesh/consensus-core/internal/collector/config"
	"github.com/sentinelmesh/consensus-core/internal/collector/httpapi"
	"github.com/sentinelmesh/consensus-core/internal/collector/metrics"
	"github.com/sentinelmesh/consensus-core/internal/collector/store"
	"github.com/sentinelmesh/consensus-core/internal/logger"
	"github.com/sentinelmesh/consensus-core/internal/webhook"
)

func main() {
	logger.Init()

	configFile := flag.String("config", "collector.yml", "path to collector config file")
	flag.Parse()

	logger.Info("INIT", "Loading config from %s...", *configFile)
	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("INIT", "Failed to load config: %v", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("INIT", "Failed to open store at %s: %v", cfg.DBPath, err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := broadcast.New()
	hub.Start(ctx)

	logStream := make(chan logger.Entry, 256)
	logger.SetStream(logStream)
	hub.StreamLogs(ctx, logStream)

	dispatcher := webhook.New(db)

	// The exporter samples the aggregator for its open-window gauge, and
	// the aggregator records alerts on the exporter, so the aggregator is
	// handed a holder whose exporter is filled in right after.
	type alertMetrics struct{ *metrics.Exporter }
	aggMetrics := &alertMetrics{}
	agg := aggregator.New(db, hub, dispatcher, aggMetrics, cfg.ConsensusThreshold, cfg.WindowAgingBound, cfg.AgingSweepInterval)

	exporter := metrics.New(agg)
	aggMetrics.Exporter = exporter
	dispatcher.SetMetrics(exporter)

	router := httpapi.NewServer(db, agg, exporter)
	router.GET("/ws", func(c *gin.Context) {
		hub.HandleConnection(c.Writer, c.Request)
	})

	agg.StartSweep(ctx)

	server := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		logger.Info("SYS", "Sentinel collector listening on %s...", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("SYS", "HTTP server failed: %v", err)
		}
	}()

	startMetricsServer(cfg.MetricsAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("SYS", "Shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("SYS", "HTTP server shutdown error: %v", err)
	}

	cancel()
	time.Sleep(200 * time.Millisecond)
	logger.Info("SYS", "Shutdown complete")
}

func startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("METRICS", "metrics server failed: %v", err)
		}
	}()
}
