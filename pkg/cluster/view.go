package cluster

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"bookkeeper/pkg/types"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type ViewOptions struct {
	// LocalHost stands in for the cluster when a reachable backend reports
	// no nodes.
	LocalHost       string
	RefreshInterval time.Duration
	RequestTimeout  time.Duration
	Clock           clockwork.Clock
	Logger          *zap.Logger
	// OnRefreshFailure is called once per failed refresh.
	OnRefreshFailure func()
}

type snapshot struct {
	nodes       []types.ClusterNode
	refreshedAt time.Time
}

// View caches the node list of one Manager. Readers always see a complete
// snapshot; a failed refresh keeps the previous one.
type View struct {
	manager Manager
	opts    ViewOptions
	logger  *zap.Logger

	current atomic.Pointer[snapshot]
	group   singleflight.Group

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewView performs one synchronous refresh. If it fails the view starts
// empty and the error is only logged.
func NewView(ctx context.Context, manager Manager, opts ViewOptions) *View {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.LocalHost == "" {
		opts.LocalHost = "localhost"
	}

	v := &View{
		manager: manager,
		opts:    opts,
		logger:  opts.Logger.With(zap.Stringer("cluster_type", manager.Type())),
	}
	v.current.Store(&snapshot{})
	_ = v.Refresh(ctx)
	return v
}

func (v *View) GetNodes() []types.ClusterNode {
	nodes := v.current.Load().nodes
	out := make([]types.ClusterNode, len(nodes))
	copy(out, nodes)
	return out
}

func (v *View) GetClusterType() types.ClusterType {
	return v.manager.Type()
}

// LastRefresh is the time of the last successful refresh, zero if none.
func (v *View) LastRefresh() time.Time {
	return v.current.Load().refreshedAt
}

// Refresh queries the manager once. Concurrent callers share a single
// query and its result.
func (v *View) Refresh(ctx context.Context) error {
	_, err, _ := v.group.Do("refresh", func() (interface{}, error) {
		return nil, v.refresh(ctx)
	})
	return err
}

func (v *View) refresh(ctx context.Context) error {
	if v.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.opts.RequestTimeout)
		defer cancel()
	}

	nodes, err := v.manager.ListNodes(ctx)
	if err != nil {
		v.logger.Warn("Failed to refresh cluster nodes, keeping previous snapshot",
			zap.Int("previous_nodes", len(v.current.Load().nodes)),
			zap.Error(err))
		if v.opts.OnRefreshFailure != nil {
			v.opts.OnRefreshFailure()
		}
		return err
	}

	if len(nodes) == 0 {
		v.logger.Debug("Cluster reported no nodes, using local host", zap.String("host", v.opts.LocalHost))
		nodes = []types.ClusterNode{{Address: v.opts.LocalHost, State: types.NodeActive}}
	}

	v.current.Store(&snapshot{nodes: nodes, refreshedAt: v.opts.Clock.Now()})
	v.logger.Debug("Refreshed cluster nodes", zap.Int("nodes", len(nodes)))
	return nil
}

// Start refreshes the view every RefreshInterval until Stop is called or
// ctx is done. It is a no-op when the interval is not positive or the loop
// is already running.
func (v *View) Start(ctx context.Context) {
	if v.opts.RefreshInterval <= 0 {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.done = make(chan struct{})
	ticker := v.opts.Clock.NewTicker(v.opts.RefreshInterval)

	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				_ = v.Refresh(ctx)
			}
		}
	}(v.done)
}

func (v *View) Stop() {
	v.mu.Lock()
	cancel, done := v.cancel, v.done
	v.cancel, v.done = nil, nil
	v.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
