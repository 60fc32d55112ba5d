// Package cluster discovers the nodes of the compute cluster. Each resource
// manager integration is a Manager registered under a name; configuration
// picks the name used for every cluster type.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"bookkeeper/pkg/config"
	"bookkeeper/pkg/types"

	"go.uber.org/zap"
)

var ErrClusterManagerInitialization = errors.New("cluster manager initialization failed")

// Manager returns the current cluster membership. ListNodes must fail fast
// when the backend is unavailable. An empty list with a nil error means the
// backend answered and nothing but the local host is running.
type Manager interface {
	ListNodes(ctx context.Context) ([]types.ClusterNode, error)
	Type() types.ClusterType
}

type Factory func(t types.ClusterType, cfg *config.Config, logger *zap.Logger) (Manager, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a manager available under name. Registering a name twice
// replaces the earlier factory.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewManager resolves the manager configured for t and constructs it.
func NewManager(t types.ClusterType, cfg *config.Config, logger *zap.Logger) (Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.ManagerName(t)

	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no manager registered as %q for cluster type %s", ErrClusterManagerInitialization, name, t)
	}

	manager, err := factory(t, cfg, logger.With(zap.String("cluster_manager", name)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrClusterManagerInitialization, name, err)
	}
	return manager, nil
}

func init() {
	Register(types.ClusterHadoop2.String(), newHadoop2Manager)
	Register(types.ClusterPresto.String(), newPrestoManager)
	Register(types.ClusterStatic.String(), newStaticManager)
	Register(types.ClusterTest.String(), newTestManager)
	Register(types.ClusterTestMultinode.String(), newTestMultinodeManager)
}
