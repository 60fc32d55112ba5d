// Package bookkeeper implements the read and cache status operations shared
// by the coordinator and worker roles.
package bookkeeper

import (
	"context"
	"fmt"
	"math"

	"bookkeeper/pkg/cache"
	"bookkeeper/pkg/cluster"
	"bookkeeper/pkg/config"
	"bookkeeper/pkg/fetch"
	"bookkeeper/pkg/hashring"
	"bookkeeper/pkg/metrics"
	"bookkeeper/pkg/protocol"
	"bookkeeper/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MaxStatusBlocks bounds the blocks one GetCacheStatus call reports.
const MaxStatusBlocks = 1 << 20

type Options struct {
	Config  *config.Config
	Engine  *fetch.Engine
	Views   *cluster.Views
	Metrics *metrics.BookKeeperMetrics
	Logger  *zap.Logger
}

// Service answers ReadData, GetCacheStatus and ownership queries. Methods
// it does not implement answer Unimplemented.
type Service struct {
	protocol.UnimplementedBookKeeperServer

	cfg     *config.Config
	engine  *fetch.Engine
	store   *cache.Store
	views   *cluster.Views
	metrics *metrics.BookKeeperMetrics
	logger  *zap.Logger
}

func New(opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("fetch engine is required")
	}
	if opts.Views == nil {
		return nil, fmt.Errorf("cluster views are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Service{
		cfg:     opts.Config,
		engine:  opts.Engine,
		store:   opts.Engine.Store(),
		views:   opts.Views,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}, nil
}

func (s *Service) Config() *config.Config {
	return s.cfg
}

func (s *Service) Views() *cluster.Views {
	return s.views
}

func (s *Service) Store() *cache.Store {
	return s.store
}

func (s *Service) Engine() *fetch.Engine {
	return s.engine
}

// Nodes returns the current node list for the cluster type.
func (s *Service) Nodes(t types.ClusterType) ([]types.ClusterNode, error) {
	view, err := s.views.Get(t)
	if err != nil {
		return nil, err
	}
	return view.GetNodes(), nil
}

// OwnerOf returns the address of the node responsible for caching path.
func (s *Service) OwnerOf(path string, t types.ClusterType) (string, error) {
	nodes, err := s.Nodes(t)
	if err != nil {
		return "", err
	}
	return hashring.Assign(nodes, path)
}

func (s *Service) ReadData(ctx context.Context, req *protocol.ReadDataRequest) (*protocol.ReadDataResponse, error) {
	s.count("read_data")
	if req.Path == "" || req.Offset < 0 || req.Length < 0 || req.FileSize < 0 || req.Offset > math.MaxInt64-req.Length {
		return nil, status.Errorf(codes.InvalidArgument, "invalid read of %q at %d+%d (file size %d)", req.Path, req.Offset, req.Length, req.FileSize)
	}

	key := types.CacheKey{BackendPath: req.Path, FileLength: req.FileSize, LastModified: req.LastModified}
	n, err := s.engine.EnsureCached(ctx, key, req.Offset, req.Offset+req.Length)
	if err != nil {
		s.logger.Warn("Read-through failed",
			zap.String("path", req.Path),
			zap.Int64("offset", req.Offset),
			zap.Int64("length", req.Length),
			zap.Int64("bytes_fetched", n),
			zap.Error(err))
		return &protocol.ReadDataResponse{Success: false, BytesFetched: n, Message: err.Error()}, nil
	}

	s.logger.Debug("Read-through complete",
		zap.String("path", req.Path),
		zap.Int64("offset", req.Offset),
		zap.Int64("length", req.Length),
		zap.Int64("bytes_fetched", n))
	return &protocol.ReadDataResponse{Success: true, BytesFetched: n}, nil
}

func (s *Service) GetCacheStatus(ctx context.Context, req *protocol.GetCacheStatusRequest) (*protocol.GetCacheStatusResponse, error) {
	s.count("get_cache_status")
	if req.Path == "" || req.FileSize < 0 || req.StartBlock < 0 || req.EndBlock < req.StartBlock {
		return nil, status.Errorf(codes.InvalidArgument, "invalid cache status request for %q blocks [%d, %d)", req.Path, req.StartBlock, req.EndBlock)
	}
	t, err := ClusterType(req.ClusterType)
	if err != nil {
		return nil, err
	}

	owner, err := s.OwnerOf(req.Path, t)
	if err != nil {
		return nil, StatusError(err)
	}

	// Only blocks of the file are reported.
	start, end := req.StartBlock, req.EndBlock
	if n := s.store.NumBlocks(req.FileSize); end > n {
		end = n
	}
	if start > end {
		start = end
	}
	if end-start > MaxStatusBlocks {
		return nil, status.Errorf(codes.InvalidArgument, "cache status of %d blocks requested, at most %d per call", end-start, MaxStatusBlocks)
	}

	blocks := make([]protocol.BlockLocation, end-start)
	if owner != s.cfg.Hostname {
		for i := range blocks {
			blocks[i] = protocol.BlockLocation{Location: types.LocationRemote, Remote: owner}
		}
		return &protocol.GetCacheStatusResponse{Blocks: blocks}, nil
	}

	key := types.CacheKey{BackendPath: req.Path, FileLength: req.FileSize, LastModified: req.LastModified}
	present, err := s.store.BlockStatus(key, start, end)
	if err != nil {
		return nil, StatusError(err)
	}
	for i, ok := range present {
		if ok {
			blocks[i].Location = types.LocationCached
		} else {
			blocks[i].Location = types.LocationLocal
		}
	}
	return &protocol.GetCacheStatusResponse{Blocks: blocks}, nil
}

func (s *Service) GetOwnerNode(ctx context.Context, req *protocol.GetOwnerNodeRequest) (*protocol.GetOwnerNodeResponse, error) {
	s.count("get_owner_node")
	if req.Path == "" {
		return nil, status.Error(codes.InvalidArgument, "path is required")
	}
	t, err := ClusterType(req.ClusterType)
	if err != nil {
		return nil, err
	}

	owner, err := s.OwnerOf(req.Path, t)
	if err != nil {
		return nil, StatusError(err)
	}
	return &protocol.GetOwnerNodeResponse{Address: owner}, nil
}

func (s *Service) IsBookKeeperAlive(ctx context.Context, req *protocol.AliveRequest) (*protocol.AliveResponse, error) {
	return &protocol.AliveResponse{Alive: true, Role: string(s.cfg.Role), Hostname: s.cfg.Hostname}, nil
}

func (s *Service) count(op string) {
	if s.metrics != nil {
		s.metrics.CacheRequests.WithLabelValues(op).Inc()
	}
}
