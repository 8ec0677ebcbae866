// Package main runs an HTTP API around the wallet store and the batched read
// engine, so a wallet session can be driven from scripts and dashboards.
package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/wallet-sync/internal/config"
	"github.com/yourorg/wallet-sync/internal/connector"
	"github.com/yourorg/wallet-sync/internal/export"
	"github.com/yourorg/wallet-sync/internal/metrics"
	"github.com/yourorg/wallet-sync/internal/otel"
	"github.com/yourorg/wallet-sync/internal/provider"
	"github.com/yourorg/wallet-sync/internal/read"
	"github.com/yourorg/wallet-sync/internal/storage"
	"github.com/yourorg/wallet-sync/internal/store"
	"github.com/yourorg/wallet-sync/internal/types"
)

const version = "1.0.0"

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

// registry is where every collector lands and what /metrics serves.
type registry interface {
	prometheus.Registerer
	prometheus.Gatherer
}

// Server represents the API server instance
type Server struct {
	cfg config.Config

	store    *store.Store
	engine   *read.Engine
	watcher  *read.PollingWatcher
	exporter *export.Exporter
	db       *storage.SQLite

	gatherer  prometheus.Gatherer
	metrics   *serverMetrics
	rateLimit *rate.Limiter
	server    *http.Server

	detach    func()
	closeOnce sync.Once
}

// serverMetrics holds Prometheus metrics for the HTTP surface
type serverMetrics struct {
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	circuitBreaker  *prometheus.GaugeVec
}

// registerMetrics sets up Prometheus metrics collection
func registerMetrics(reg prometheus.Registerer) *serverMetrics {
	m := &serverMetrics{
		requestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletsync_http_requests_total",
				Help: "Total number of requests processed",
			},
			[]string{"route", "code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "walletsync_http_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		circuitBreaker: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "walletsync_rpc_circuit_state",
				Help: "RPC circuit breaker state per chain (0=closed, 1=open, 2=half-open)",
			},
			[]string{"chain"},
		),
	}

	reg.MustRegister(m.requestCounter, m.requestDuration, m.circuitBreaker)
	return m
}

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	shutdownTracer := otel.InitTracer(cfg.OtelEndpoint)
	defer shutdownTracer()

	chains, err := config.LoadChains(cfg.ChainsFile)
	if err != nil {
		logrus.Fatalf("Failed to load chains: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	server, err := NewServer(ctx, cfg, chains, reg)
	if err != nil {
		logrus.Fatalf("Failed to initialise server: %v", err)
	}
	if err := server.Run(ctx); err != nil {
		logrus.Fatalf("Server failed: %v", err)
	}
}

// setupLogging configures the logging for the application
func setupLogging(level, format string) {
	switch format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch level {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

// Option tweaks NewServer.
type Option func(*options)

type options struct {
	transport func(types.Chain) provider.Provider
}

// WithTransport replaces the HTTP JSON-RPC transport used for chain reads.
func WithTransport(fn func(types.Chain) provider.Provider) Option {
	return func(o *options) { o.transport = fn }
}

// NewServer wires storage, connectors, the store, the read engine and the
// optional webhook exporter. Nothing runs until Run.
func NewServer(ctx context.Context, cfg config.Config, chains []types.Chain, reg registry, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		cfg:      cfg,
		gatherer: reg,
		metrics:  registerMetrics(reg),
	}

	var backend storage.Storage = storage.NewMemory()
	if cfg.StoragePath != "" {
		db, err := storage.OpenSQLite(ctx, cfg.StoragePath)
		if err != nil {
			return nil, err
		}
		s.db = db
		backend = db
	}

	httpOpts := provider.HTTPOptions{
		RateLimit:   cfg.RPCRateLimit,
		Burst:       cfg.RPCBurst,
		MaxFailures: cfg.MaxFailures,
		ResetDelay:  cfg.CircuitResetDelay,
		RetryMax:    provider.DefaultHTTPOptions.RetryMax,
		Timeout:     cfg.RequestTimeout,
	}
	connectors, err := buildConnectors(cfg, httpOpts)
	if err != nil {
		s.Close()
		return nil, err
	}

	m := metrics.New(reg)
	st, err := store.New(ctx, store.Config{
		Chains:     chains,
		Connectors: connectors,
		Storage:    backend,
		StorageKey: cfg.StorageKey,
		Metrics:    m,
		HTTP:       httpOpts,
		Transport:  o.transport,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.store = st

	chainIDs := make([]int64, 0, len(chains))
	for _, c := range chains {
		chainIDs = append(chainIDs, c.ID)
	}
	s.watcher = read.NewPollingWatcher(st, cfg.PollInterval, chainIDs...)
	s.engine = read.New(st, read.Config{
		BatchWait:   cfg.BatchWait,
		BatchSize:   cfg.BatchSize,
		CacheTime:   cfg.CacheTime,
		CallTimeout: cfg.CallTimeout,
		Blocks:      s.watcher,
		Metrics:     m,
	})

	if cfg.WebhookURL != "" {
		exporter, err := export.New(export.Config{
			URL:      cfg.WebhookURL,
			APIKey:   cfg.WebhookAPIKey,
			Interval: cfg.ExportInterval,
			RetryMax: 3,
			Timeout:  cfg.RequestTimeout,
		})
		if err != nil {
			logrus.Warnf("Failed to initialize webhook exporter: %v", err)
		} else {
			s.exporter = exporter
			s.detach = exporter.Attach(st)
			logrus.Info("Webhook exporter initialized")
		}
	}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.RequestBurst
		if burst <= 0 {
			burst = 1
		}
		s.rateLimit = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	logrus.WithFields(logrus.Fields{
		"port":       cfg.Port,
		"chains":     len(chains),
		"connectors": len(connectors),
		"storage":    storageKind(cfg.StoragePath),
		"webhook":    s.exporter != nil,
	}).Info("Server initialized")

	return s, nil
}

func storageKind(path string) string {
	if path == "" {
		return "memory"
	}
	return "sqlite"
}

// buildConnectors turns the configured connector names into factories.
func buildConnectors(cfg config.Config, httpOpts provider.HTTPOptions) ([]connector.CreateFunc, error) {
	var out []connector.CreateFunc
	for _, name := range cfg.Connectors {
		switch strings.ToLower(name) {
		case connector.TypeMock:
			key, err := mockKey(cfg.MockKey)
			if err != nil {
				return nil, err
			}
			out = append(out, connector.NewMock(connector.MockOptions{Key: key}))
		case connector.TypeNode:
			out = append(out, connector.NewNode(connector.NodeOptions{URL: cfg.NodeURL, HTTP: httpOpts}))
		case connector.TypeInjected:
			// no wallet injects into a server process; kept for hosts that fill the registry
			out = append(out, connector.NewInjected(connector.InjectedOptions{Registry: provider.NewRegistry()}))
		default:
			return nil, fmt.Errorf("unknown connector %q", name)
		}
	}
	return out, nil
}

func mockKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return crypto.GenerateKey()
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid mock private key: %w", err)
	}
	return key, nil
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.instrument("health", s.handleHealth))
	mux.HandleFunc("GET /metrics", s.instrument("metrics", s.handleMetrics))
	mux.HandleFunc("GET /status", s.instrument("status", s.handleStatus))
	mux.HandleFunc("/circuit", s.instrument("circuit", s.handleCircuitStatus))

	mux.HandleFunc("GET /state", s.instrument("state", s.handleState))
	mux.HandleFunc("POST /connect", s.instrument("connect", s.handleConnect))
	mux.HandleFunc("POST /reconnect", s.instrument("reconnect", s.handleReconnect))
	mux.HandleFunc("POST /disconnect", s.instrument("disconnect", s.handleDisconnect))
	mux.HandleFunc("POST /switch-chain", s.instrument("switch_chain", s.handleSwitchChain))
	mux.HandleFunc("POST /sign", s.instrument("sign", s.handleSign))
	mux.HandleFunc("POST /read", s.instrument("read", s.handleRead))

	return mux
}

// Run starts the background workers, restores the last session and serves
// HTTP until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	go func() {
		if err := s.engine.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logrus.Errorf("Read engine stopped: %v", err)
		}
	}()
	go func() { _ = s.watcher.Run(ctx) }()
	if s.exporter != nil {
		go s.exporter.Run(ctx)
	}

	if s.store.AutoConnect(ctx) {
		logrus.WithField("connector", s.store.State().ConnectorID()).Info("Restored previous session")
	}

	s.server = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logrus.Infof("Server starting on port %s", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logrus.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logrus.Info("Server stopped")
	return nil
}

// Close releases the store and the database. It is safe to call twice.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.detach != nil {
			s.detach()
		}
		if s.store != nil {
			s.store.Close()
		}
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				logrus.Warnf("Failed to close database: %v", err)
			}
		}
	})
}
