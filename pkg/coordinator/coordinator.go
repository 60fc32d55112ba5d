// Package coordinator is the coordinator role: it serves reads like any
// BookKeeper, answers cluster membership queries and tracks worker health
// from heartbeats.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"bookkeeper/pkg/bookkeeper"
	"bookkeeper/pkg/cluster"
	"bookkeeper/pkg/config"
	"bookkeeper/pkg/health"
	"bookkeeper/pkg/metrics"
	"bookkeeper/pkg/protocol"
	"bookkeeper/pkg/types"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var ErrCoordinatorInitialization = errors.New("coordinator initialization failed")

type Options struct {
	Config  *config.Config
	Metrics *metrics.BookKeeperMetrics
	Clock   clockwork.Clock
	Logger  *zap.Logger
}

type Coordinator struct {
	*bookkeeper.Service

	cfg     *config.Config
	tracker *health.Tracker
	metrics *metrics.BookKeeperMetrics
	logger  *zap.Logger
}

// New resolves the configured cluster manager, loads the initial node list
// and registers the worker health gauges. The validation gauges exist only
// when validation is enabled.
func New(ctx context.Context, opts Options) (*Coordinator, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrCoordinatorInitialization)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	c := &Coordinator{
		cfg:     cfg,
		tracker: health.NewTracker(cfg.Health.StatusExpiry.Std(), opts.Clock, logger.Named("health")),
		metrics: m,
		logger:  logger,
	}

	clusterType, err := cfg.ClusterType()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCoordinatorInitialization, err)
	}
	manager, err := c.GetClusterManagerInstance(clusterType)
	if err != nil {
		return nil, err
	}

	viewOpts := bookkeeper.ViewOptions(cfg, m, opts.Clock, logger.Named("cluster"))
	views := cluster.NewViews(ctx, func(t types.ClusterType) (cluster.Manager, error) {
		return c.GetClusterManagerInstance(t)
	}, viewOpts)
	view := cluster.NewView(ctx, manager, viewOpts)
	view.Start(ctx)
	views.Put(view)

	engine, err := bookkeeper.NewEngine(cfg, m, logger)
	if err != nil {
		views.Close()
		return nil, fmt.Errorf("%w: %w", ErrCoordinatorInitialization, err)
	}
	c.Service, err = bookkeeper.New(bookkeeper.Options{
		Config:  cfg,
		Engine:  engine,
		Views:   views,
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		views.Close()
		engine.Store().Close()
		return nil, fmt.Errorf("%w: %w", ErrCoordinatorInitialization, err)
	}

	if err := c.registerGauges(); err != nil {
		c.Service.Close()
		return nil, fmt.Errorf("%w: %w", ErrCoordinatorInitialization, err)
	}

	logger.Info("Coordinator initialized",
		zap.String("hostname", cfg.Hostname),
		zap.Stringer("cluster_type", clusterType),
		zap.Int("nodes", len(view.GetNodes())),
		zap.Bool("validation_enabled", cfg.Health.ValidationEnabled))
	return c, nil
}

type gauge struct {
	name string
	help string
	fn   func() int
}

func (c *Coordinator) registerGauges() error {
	gauges := []gauge{
		{metrics.LiveWorkerGauge, "Workers that sent a heartbeat within the expiry", c.tracker.LiveWorkers},
	}
	if c.cfg.Health.ValidationEnabled {
		gauges = append(gauges,
			gauge{metrics.CachingValidatedWorkerGauge, "Live workers whose caching validation passed", c.tracker.CachingValidatedWorkers},
			gauge{metrics.FileValidatedWorkerGauge, "Live workers whose cache file validation passed", c.tracker.FileValidatedWorkers},
		)
	}

	for _, g := range gauges {
		fn := g.fn
		if err := c.metrics.RegisterGaugeFunc(g.name, g.help, func() float64 { return float64(fn()) }); err != nil {
			return fmt.Errorf("failed to register %s: %w", g.name, err)
		}
	}
	return nil
}

// GetClusterManagerInstance builds the manager configured for t.
func (c *Coordinator) GetClusterManagerInstance(t types.ClusterType) (cluster.Manager, error) {
	manager, err := cluster.NewManager(t, c.cfg, c.logger.Named("cluster"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCoordinatorInitialization, err)
	}
	return manager, nil
}

func (c *Coordinator) Tracker() *health.Tracker {
	return c.tracker
}

func (c *Coordinator) Metrics() *metrics.BookKeeperMetrics {
	return c.metrics
}

// HandleHeartbeat always acknowledges; heartbeats without a hostname are
// dropped by the tracker.
func (c *Coordinator) HandleHeartbeat(ctx context.Context, req *protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	c.metrics.Heartbeats.Inc()
	c.tracker.HandleHeartbeat(req.Hostname, req.Status)
	return &protocol.HeartbeatResponse{Ack: true}, nil
}

func (c *Coordinator) GetClusterNodes(ctx context.Context, req *protocol.GetClusterNodesRequest) (*protocol.GetClusterNodesResponse, error) {
	c.metrics.CacheRequests.WithLabelValues("get_cluster_nodes").Inc()
	t, err := bookkeeper.ClusterType(req.ClusterType)
	if err != nil {
		return nil, err
	}

	nodes, err := c.Nodes(t)
	if err != nil {
		return nil, bookkeeper.StatusError(err)
	}
	return &protocol.GetClusterNodesResponse{Nodes: nodes}, nil
}
