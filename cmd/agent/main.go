package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sentinelmesh/consensus-core/internal/agent/config"
	"github.com/sentinelmesh/consensus-core/internal/agent/consensus"
	"github.com/sentinelmesh/consensus-core/internal/agent/metrics"
	"github.com/sentinelmesh/consensus-core/internal/agent/p2p"
	"github.com/sentinelmesh/consensus-core/internal/agent/probe"
	"github.com/sentinelmesh/consensus-core/internal/agent/reporter"
	"github.com/sentinelmesh/consensus-core/internal/agent/uptime"
	"github.com/sentinelmesh/consensus-core/internal/logger"
	"github.com/sentinelmesh/consensus-core/internal/model"
)

const uptimeWindow = 1 * time.Hour

func main() {
	logger.Init()

	configFile := flag.String("config", "config.yml", "path to agent config file")
	metricsAddr := flag.String("metrics-addr", ":9101", "address for the /metrics endpoint")
	flag.Parse()

	logger.Info("INIT", "Loading config from %s...", *configFile)
	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("INIT", "Failed to load config: %v", err)
		os.Exit(1)
	}
	logger.Info("INIT", "Config loaded. AgentID: %s, ValidatorID: %s", cfg.AgentID, cfg.ValidatorID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exporter := metrics.New()
	startMetricsServer(*metricsAddr, exporter)

	prober := probe.New(cfg.ValidatorID, cfg.BeaconNodeURL, cfg.HealthCheckInterval, cfg.HealthCheckTimeout, cfg.HealthCheckRetries)

	// transport stays nil when P2P is disabled (spec.md §6's documented
	// default): Coordinator treats a nil Transport as a zero-peer fabric,
	// and with zero peers MeetsQuorum lets the agent report UNHEALTHY
	// unilaterally, whatever the threshold.
	var transport *p2p.Transport
	if cfg.P2PEnabled {
		logger.Info("INIT", "Starting P2P transport on port %d...", cfg.P2PPort)
		transport = p2p.New(cfg.AgentID, cfg.P2PPort, cfg.P2PBootstrapPeers, cfg.P2PDiscoveryInterval)
		if err := transport.Start(ctx); err != nil {
			logger.Error("INIT", "Failed to start P2P transport: %v", err)
			os.Exit(1)
		}
		defer transport.Close()
	} else {
		logger.Warn("INIT", "P2P disabled; consensus will always see zero peers and UNHEALTHY will be reported unilaterally")
	}

	var coord *consensus.Coordinator
	if transport != nil {
		coord = consensus.New(cfg.AgentID, cfg.ValidatorID, transport, prober, cfg.ConsensusTimeout)
		coord.StartResponder(ctx)
		go pollPeerCount(ctx, transport, exporter)
	} else {
		coord = consensus.New(cfg.AgentID, cfg.ValidatorID, nil, prober, cfg.ConsensusTimeout)
	}

	rep := reporter.New(cfg.AgentID, cfg.AgentAPIKey, cfg.ValidatorID, cfg.BackendAPIURL, cfg.MaxRetries, cfg.ConsensusThreshold, coord, cfg.RequestTimeout)
	rep.SetMetrics(exporter)

	uptimeWin := uptime.New(uptimeWindow)

	prober.Start(ctx, func(result model.HealthCheckResult) {
		exporter.RecordProbe(string(result.Status))
		uptimeWin.Add(result.Status == model.StatusHealthy, result.Timestamp)
		_, _, ratio := uptimeWin.Stats()
		exporter.SetUptimeRatio(ratio)
		rep.HandleResult(ctx, result)
	})

	logger.Info("SYS", "Sentinel agent started (agentId=%s)...", cfg.AgentID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("SYS", "Shutting down gracefully...")
	prober.Stop()
	cancel()

	time.Sleep(500 * time.Millisecond)
	logger.Info("SYS", "Shutdown complete")
}

func startMetricsServer(addr string, exporter *metrics.Exporter) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("METRICS", "metrics server failed: %v", err)
		}
	}()
}

func pollPeerCount(ctx context.Context, transport interface{ PeerCount() int }, exporter *metrics.Exporter) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exporter.SetPeersConnected(transport.PeerCount())
		}
	}
}
