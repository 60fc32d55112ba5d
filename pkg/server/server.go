// Package server wires a BookKeeper role to its RPC and metrics listeners.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"bookkeeper/pkg/config"
	"bookkeeper/pkg/coordinator"
	"bookkeeper/pkg/metrics"
	"bookkeeper/pkg/node"
	"bookkeeper/pkg/protocol"
	"bookkeeper/pkg/shared"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Options struct {
	Config *config.Config
	Logger *zap.Logger
	Clock  clockwork.Clock
	// Registry receives the service metrics. Nil creates a private one.
	Registry *prometheus.Registry
}

// Server owns everything one BookKeeper process runs: the role service,
// the gRPC listener and the optional metrics listener.
type Server struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.BookKeeperMetrics

	service protocol.BookKeeperServer
	start   func()
	stop    func() error

	rpc        *shared.Server
	listener   net.Listener
	metricsSrv *http.Server

	errCh    chan error
	stopOnce sync.Once
}

func New(ctx context.Context, opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := metrics.New(registry)
	m.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		errCh:   make(chan error, 2),
	}

	if cfg.IsCoordinator() {
		c, err := coordinator.New(ctx, coordinator.Options{
			Config:  cfg,
			Metrics: m,
			Clock:   opts.Clock,
			Logger:  logger.Named("coordinator"),
		})
		if err != nil {
			m.Close()
			return nil, err
		}
		s.service = c
		s.start = func() {}
		s.stop = c.Close
	} else {
		n, err := node.New(ctx, node.Options{
			Config:  cfg,
			Metrics: m,
			Clock:   opts.Clock,
			Logger:  logger.Named("worker"),
		})
		if err != nil {
			m.Close()
			return nil, err
		}
		s.service = n
		s.start = n.Start
		s.stop = n.Stop
	}

	rpc, err := shared.NewServer(cfg.ServerMaxThreads, logger.Named("rpc"))
	if err != nil {
		s.stop()
		m.Close()
		return nil, err
	}
	protocol.RegisterBookKeeperServer(rpc.Registrar(), s.service)
	s.rpc = rpc
	return s, nil
}

func (s *Server) Service() protocol.BookKeeperServer {
	return s.service
}

func (s *Server) Metrics() *metrics.BookKeeperMetrics {
	return s.metrics
}

// Start opens the listeners and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	s.listener = listener

	if s.cfg.MetricsAddress != "" {
		metricsListener, err := net.Listen("tcp", s.cfg.MetricsAddress)
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.MetricsAddress, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := s.metricsSrv.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		s.logger.Info("Metrics listening", zap.String("address", metricsListener.Addr().String()))
	}

	go func() {
		if err := s.rpc.Serve(listener); err != nil {
			s.errCh <- fmt.Errorf("rpc server: %w", err)
		}
	}()
	s.start()

	s.logger.Info("BookKeeper started",
		zap.String("role", string(s.cfg.Role)),
		zap.String("hostname", s.cfg.Hostname),
		zap.String("address", listener.Addr().String()),
		zap.Int("max_threads", s.cfg.ServerMaxThreads))
	return nil
}

// Addr is the bound RPC address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run starts the server and blocks until ctx is done or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		s.Stop(context.Background())
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-s.errCh:
		s.logger.Error("Server failed", zap.Error(runErr))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Stop shuts everything down. It is safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("BookKeeper stopping")
		s.rpc.Stop(ctx)
		if s.metricsSrv != nil {
			if shutdownErr := s.metricsSrv.Shutdown(ctx); shutdownErr != nil {
				err = shutdownErr
			}
		}
		if stopErr := s.stop(); stopErr != nil && err == nil {
			err = stopErr
		}
		s.metrics.Close()
	})
	return err
}
