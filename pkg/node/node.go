// Package node is the worker role. A worker serves reads and cache status
// for the files it owns, learns cluster membership from the coordinator and
// reports its health with periodic heartbeats.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bookkeeper/pkg/bookkeeper"
	"bookkeeper/pkg/client"
	"bookkeeper/pkg/cluster"
	"bookkeeper/pkg/config"
	"bookkeeper/pkg/metrics"
	"bookkeeper/pkg/protocol"
	"bookkeeper/pkg/types"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// CoordinatorClient is the part of the coordinator API a worker calls.
type CoordinatorClient interface {
	HandleHeartbeat(ctx context.Context, req *protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error)
	GetClusterNodes(ctx context.Context, req *protocol.GetClusterNodesRequest) (*protocol.GetClusterNodesResponse, error)
}

type Options struct {
	Config  *config.Config
	Metrics *metrics.BookKeeperMetrics
	Clock   clockwork.Clock
	Logger  *zap.Logger
	// Coordinator overrides the client dialed from CoordinatorAddress.
	Coordinator CoordinatorClient
}

type Node struct {
	*bookkeeper.Service

	cfg         *config.Config
	coordinator CoordinatorClient
	ownedClient *client.Client
	clock       clockwork.Clock
	logger      *zap.Logger

	mu            sync.Mutex
	lastHeartbeat time.Time
	lastStatus    types.HeartbeatStatus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(ctx context.Context, opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	n := &Node{
		cfg:         cfg,
		coordinator: opts.Coordinator,
		clock:       opts.Clock,
		logger:      logger,
	}
	if n.coordinator == nil {
		c, err := client.Dial(ctx, cfg.CoordinatorAddress, cfg.Client, logger.Named("client"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to coordinator: %w", err)
		}
		n.coordinator = c
		n.ownedClient = c
	}

	views := cluster.NewViews(ctx, func(t types.ClusterType) (cluster.Manager, error) {
		return &coordinatorManager{client: n.coordinator, clusterType: t}, nil
	}, bookkeeper.ViewOptions(cfg, opts.Metrics, opts.Clock, logger.Named("cluster")))

	engine, err := bookkeeper.NewEngine(cfg, opts.Metrics, logger)
	if err != nil {
		n.closeClient()
		return nil, err
	}
	n.Service, err = bookkeeper.New(bookkeeper.Options{
		Config:  cfg,
		Engine:  engine,
		Views:   views,
		Metrics: opts.Metrics,
		Logger:  logger,
	})
	if err != nil {
		engine.Store().Close()
		n.closeClient()
		return nil, err
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	return n, nil
}

// Start begins heartbeating. The first heartbeat is sent right away.
func (n *Node) Start() {
	n.logger.Info("Worker starting",
		zap.String("hostname", n.cfg.Hostname),
		zap.String("coordinator", n.cfg.CoordinatorAddress),
		zap.Duration("heartbeat_interval", n.cfg.Health.HeartbeatInterval.Std()))

	n.wg.Add(1)
	go n.heartbeatLoop()
}

func (n *Node) Stop() error {
	n.cancel()
	n.wg.Wait()

	err := n.Service.Close()
	n.closeClient()
	return err
}

func (n *Node) closeClient() {
	if n.ownedClient != nil {
		n.ownedClient.Close()
	}
}

// LastHeartbeat returns when the coordinator last acknowledged a heartbeat
// and the status that was reported.
func (n *Node) LastHeartbeat() (time.Time, types.HeartbeatStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastHeartbeat, n.lastStatus
}

// coordinatorManager asks the coordinator for the node list.
type coordinatorManager struct {
	client      CoordinatorClient
	clusterType types.ClusterType
}

func (m *coordinatorManager) ListNodes(ctx context.Context) ([]types.ClusterNode, error) {
	resp, err := m.client.GetClusterNodes(ctx, &protocol.GetClusterNodesRequest{ClusterType: int32(m.clusterType)})
	if err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

func (m *coordinatorManager) Type() types.ClusterType {
	return m.clusterType
}
