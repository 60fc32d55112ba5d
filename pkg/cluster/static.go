package cluster

import (
	"context"
	"strings"

	"bookkeeper/pkg/config"
	"bookkeeper/pkg/types"

	"go.uber.org/zap"
)

// StaticManager serves a fixed node list.
type StaticManager struct {
	clusterType types.ClusterType
	nodes       []types.ClusterNode
}

func NewStaticManager(t types.ClusterType, nodes []types.ClusterNode) *StaticManager {
	return &StaticManager{clusterType: t, nodes: nodes}
}

func (m *StaticManager) ListNodes(ctx context.Context) ([]types.ClusterNode, error) {
	out := make([]types.ClusterNode, len(m.nodes))
	copy(out, m.nodes)
	return out, nil
}

func (m *StaticManager) Type() types.ClusterType {
	return m.clusterType
}

// parseStaticNodes reads "host" (ACTIVE) and "host!" (INACTIVE) entries.
func parseStaticNodes(entries []string) []types.ClusterNode {
	nodes := make([]types.ClusterNode, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		state := types.NodeActive
		if strings.HasSuffix(e, "!") {
			state = types.NodeInactive
			e = strings.TrimSuffix(e, "!")
		}
		nodes = append(nodes, types.ClusterNode{Address: e, State: state})
	}
	return nodes
}

func newStaticManager(t types.ClusterType, cfg *config.Config, _ *zap.Logger) (Manager, error) {
	return NewStaticManager(t, parseStaticNodes(cfg.Cluster.StaticNodes)), nil
}

// newTestManager is a single node cluster made of the local host.
func newTestManager(t types.ClusterType, cfg *config.Config, _ *zap.Logger) (Manager, error) {
	return NewStaticManager(t, []types.ClusterNode{{Address: cfg.Hostname, State: types.NodeActive}}), nil
}

func newTestMultinodeManager(t types.ClusterType, cfg *config.Config, _ *zap.Logger) (Manager, error) {
	nodes := []types.ClusterNode{{Address: cfg.Hostname, State: types.NodeActive}}
	for _, n := range parseStaticNodes(cfg.Cluster.StaticNodes) {
		if n.Address != cfg.Hostname {
			nodes = append(nodes, types.ClusterNode{Address: n.Address, State: types.NodeActive})
		}
	}
	return NewStaticManager(t, nodes), nil
}
