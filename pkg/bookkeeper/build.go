package bookkeeper

import (
	"bookkeeper/pkg/cache"
	"bookkeeper/pkg/cluster"
	"bookkeeper/pkg/config"
	"bookkeeper/pkg/fetch"
	"bookkeeper/pkg/metrics"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// NewEngine builds the cache store and fetch engine described by cfg.
func NewEngine(cfg *config.Config, m *metrics.BookKeeperMetrics, logger *zap.Logger) (*fetch.Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := cache.NewStore(cache.Options{
		BlockSize: cfg.Cache.BlockSize.Int64(),
		MaxDisks:  cfg.Cache.MaxDisks,
		DiskDir:   cfg.Cache.DiskDir,
		Logger:    logger.Named("cache"),
	})
	if err != nil {
		return nil, err
	}

	engine, err := fetch.NewEngine(fetch.Options{
		Store:       store,
		Timeout:     cfg.Cache.RemoteFetchTimeout.Std(),
		MaxReadSize: cfg.Cache.MaxReadSize.Int64(),
		Parallelism: cfg.Cache.FetchParallelism,
		Metrics:     m,
		Logger:      logger.Named("fetch"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return engine, nil
}

// ViewOptions are the cluster view settings for cfg.
func ViewOptions(cfg *config.Config, m *metrics.BookKeeperMetrics, clock clockwork.Clock, logger *zap.Logger) cluster.ViewOptions {
	opts := cluster.ViewOptions{
		LocalHost:       cfg.Hostname,
		RefreshInterval: cfg.Cluster.RefreshInterval.Std(),
		RequestTimeout:  cfg.Cluster.RequestTimeout.Std(),
		Clock:           clock,
		Logger:          logger,
	}
	if m != nil {
		opts.OnRefreshFailure = m.TopologyRefreshFailures.Inc
	}
	return opts
}

// Close releases the cache store and stops every cluster view.
func (s *Service) Close() error {
	s.views.Close()
	return s.store.Close()
}
