package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gantry-dev/gantry/internal/config"
	"github.com/gantry-dev/gantry/internal/db"
	"github.com/gantry-dev/gantry/internal/nodeclient"
)

const (
	shutdownTimeout = 5 * time.Second
	dataDirPerms    = 0o750
)

// Service wires the API and metrics listeners around the orchestration core.
type Service struct {
	cfg             config.Config
	store           *db.Store
	metrics         *Metrics
	apiListener     net.Listener
	metricsListener net.Listener
	apiServer       *http.Server
	metricsServer   *http.Server

	heartbeatWindow time.Duration
	heartbeatSweep  time.Duration
}

// Run opens the store, binds listeners, and serves until ctx is canceled.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	service, err := NewService(cfg, store)
	if err != nil {
		_ = store.Close()
		return err
	}
	return service.Serve(ctx)
}

// NewService constructs a service with bound listeners.
func NewService(cfg config.Config, store *db.Store) (*Service, error) {
	if err := os.MkdirAll(cfg.DataDir, dataDirPerms); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}
	cargoStore, err := NewCargoStore(cfg.CargoDir)
	if err != nil {
		return nil, err
	}
	apiListener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	var metricsListener net.Listener
	if cfg.MetricsListen != "" {
		metricsListener, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = apiListener.Close()
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
	}

	metrics := NewMetrics()
	logger := log.Default()
	daemon := &nodeclient.HTTPClient{Timeout: time.Duration(cfg.DaemonTimeoutSeconds) * time.Second}
	cargo := NewCargoService(store, cfg.AppURL, cfg.AppSecret)
	orchestrator := NewOrchestrator(store, daemon, cargo).
		WithLogger(logger).
		WithMetrics(metrics)
	auth := &TokenAuthenticator{
		AdminToken: cfg.AdminToken,
		UserTokens: cfg.UserTokens,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	NewAPI(store, orchestrator, cargo, auth).
		WithCargoStore(cargoStore).
		WithMetrics(metrics).
		WithLogger(logger).
		Register(mux)

	apiServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	service := &Service{
		cfg:             cfg,
		store:           store,
		metrics:         metrics,
		apiListener:     apiListener,
		apiServer:       apiServer,
		heartbeatWindow: time.Duration(cfg.HeartbeatWindowSeconds) * time.Second,
		heartbeatSweep:  time.Duration(cfg.HeartbeatSweepSeconds) * time.Second,
	}
	if metricsListener != nil {
		metricsMux := http.NewServeMux()
		metricsMux.HandleFunc("/healthz", healthHandler)
		metricsMux.Handle("/metrics", metrics.Handler())
		service.metricsListener = metricsListener
		service.metricsServer = &http.Server{
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
	}
	return service, nil
}

// Addr reports the bound API listener address, which differs from the
// configured one when listening on port 0.
func (s *Service) Addr() string {
	return s.apiListener.Addr().String()
}

// Serve blocks until shutdown or a listener error occurs.
func (s *Service) Serve(ctx context.Context) error {
	log.Printf("gantryd: listening on %s", s.cfg.Listen)
	if s.metricsServer != nil {
		log.Printf("gantryd: metrics on %s", s.cfg.MetricsListen)
	}
	go s.heartbeatGC(ctx)

	servers := 1
	errCh := make(chan error, 2)
	go func() { errCh <- s.apiServer.Serve(s.apiListener) }()
	if s.metricsServer != nil {
		servers = 2
		go func() { errCh <- s.metricsServer.Serve(s.metricsListener) }()
	}

	remaining := servers
	var serveErr error
	select {
	case <-ctx.Done():
		// graceful shutdown
	case err := <-errCh:
		remaining = servers - 1
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	s.shutdown()
	for i := 0; i < remaining; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.apiServer.Shutdown(ctx)
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

// heartbeatGC periodically marks nodes offline when their last heartbeat
// falls outside the configured window.
func (s *Service) heartbeatGC(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.heartbeatWindow)
			stale, err := s.store.MarkStaleNodesOffline(ctx, cutoff)
			if err != nil {
				log.Printf("gantryd: heartbeat sweep: %v", err)
				continue
			}
			for _, nodeID := range stale {
				log.Printf("gantryd: node %s marked offline, no heartbeat since %s", nodeID, cutoff.Format(time.RFC3339))
			}
		}
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
