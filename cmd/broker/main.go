package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/embermq/broker/internal/auth"
	brokercore "github.com/embermq/broker/internal/broker"
	"github.com/embermq/broker/internal/config"
	"github.com/embermq/broker/internal/metrics"
	"github.com/embermq/broker/internal/store"
	"github.com/embermq/broker/internal/transport"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	flag.Parse()

	logger := slog.Default()
	logger.Info("starting broker")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded", "path", *configPath, "bind", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), "storage", cfg.Storage.Backend)

	var st store.Store
	switch cfg.Storage.Backend {
	case "bbolt":
		dir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Error("failed to create data directory", "error", err)
			os.Exit(1)
		}
		st, err = store.NewBboltStore(cfg.Storage.Path)
		if err != nil {
			logger.Error("failed to initialize bbolt store", "error", err)
			os.Exit(1)
		}
		logger.Info("bbolt storage initialized", "path", cfg.Storage.Path)
		defer st.Close()

	case "memory":
		logger.Warn("using in-memory storage, data will not persist across restarts")
		st = store.NewMemoryStore()

	default:
		logger.Error("unsupported storage backend", "backend", cfg.Storage.Backend)
		os.Exit(1)
	}

	verifier, err := buildVerifier(cfg.Auth)
	if err != nil {
		logger.Error("failed to build auth verifier", "error", err)
		os.Exit(1)
	}

	b := brokercore.New(
		brokercore.Config{
			AllowAnonymous: !cfg.Auth.Enabled || cfg.Auth.AllowAnonymous,
			ClientIDPrefix: "embermq",
			MaxInflight:    cfg.Limits.MaxInflightMessages,
		},
		verifier,
		st,
		logger,
		promMetrics(),
	)

	srv := transport.New(transport.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, b, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := b.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("broker worker stopped", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			logger.Info("metrics server starting", "addr", addr, "path", cfg.Metrics.Path)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	go refreshTopicMetricsLoop(ctx, b)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("transport server stopped", "error", err)
		}
	}()

	logger.Info("broker started", "mqtt_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()
	if err := srv.Stop(); err != nil {
		logger.Error("error during shutdown", "error", err)
	}
	logger.Info("broker stopped")
}

// buildVerifier constructs the auth.Verifier implied by cfg. A disabled
// or anonymous-allowed config needs no verifier at all; handleConnect
// only consults it when a CONNECT actually carries credentials.
func buildVerifier(cfg config.AuthConfig) (auth.Verifier, error) {
	if !cfg.Enabled || cfg.AllowAnonymous {
		return auth.AllowAllVerifier{}, nil
	}
	if cfg.UsernamePasswordFile == "" {
		return auth.AllowAllVerifier{}, nil
	}
	return auth.LoadPasswordFile(cfg.UsernamePasswordFile)
}

// promMetrics wires the package-level Prometheus collectors into the
// callback shape internal/broker expects, keeping that package free of
// a direct prometheus/client_golang import.
func promMetrics() brokercore.BrokerMetrics {
	return brokercore.BrokerMetrics{
		MessageReceived: func(t string) { metrics.MessagesReceived.WithLabelValues(t).Inc() },
		MessageSent:     func(t string) { metrics.MessagesSent.WithLabelValues(t).Inc() },
		BytesReceived:   func(n int) { metrics.BytesReceived.Add(float64(n)) },
		BytesSent:       func(n int) { metrics.BytesSent.Add(float64(n)) },
		ClientConnected: func(delta int) { metrics.ClientsConnected.Add(float64(delta)) },
		Subscriptions:   func(delta int) { metrics.SubscriptionsActive.Add(float64(delta)) },
		RejectedFull:    func(reason string) { metrics.RejectedFull.WithLabelValues(reason).Inc() },
		RetainedGauge:   func(n int) { metrics.RetainedMessages.Set(float64(n)) },
		TopicsGauge:     func(n int) { metrics.TopicsActive.Set(float64(n)) },
		InflightGauge:   func(qos string, delta int) { metrics.QoSMessagesInflight.WithLabelValues(qos).Add(float64(delta)) },
	}
}

// refreshTopicMetricsLoop periodically snapshots the Topic Index into
// the topics/retained gauges rather than walking it on every publish.
func refreshTopicMetricsLoop(ctx context.Context, b *brokercore.Broker) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.RefreshTopicMetrics()
		}
	}
}
