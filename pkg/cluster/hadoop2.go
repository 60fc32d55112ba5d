package cluster

import (
	"context"
	"fmt"
	"strings"

	"bookkeeper/pkg/config"
	"bookkeeper/pkg/types"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Hadoop2Manager lists NodeManagers from the YARN ResourceManager REST API.
type Hadoop2Manager struct {
	baseURL string
	client  *retryablehttp.Client
	logger  *zap.Logger
}

type yarnNodesResponse struct {
	Nodes *struct {
		Node []struct {
			NodeHostName string `json:"nodeHostName"`
			State        string `json:"state"`
		} `json:"node"`
	} `json:"nodes"`
}

func newHadoop2Manager(_ types.ClusterType, cfg *config.Config, logger *zap.Logger) (Manager, error) {
	if cfg.Cluster.YarnAddress == "" {
		return nil, fmt.Errorf("yarn_address is not configured")
	}
	return &Hadoop2Manager{
		baseURL: normalizeBaseURL(cfg.Cluster.YarnAddress),
		client:  newTopologyClient(cfg.Cluster.RequestTimeout.Std(), logger),
		logger:  logger,
	}, nil
}

func (m *Hadoop2Manager) Type() types.ClusterType {
	return types.ClusterHadoop2
}

func (m *Hadoop2Manager) ListNodes(ctx context.Context) ([]types.ClusterNode, error) {
	var resp yarnNodesResponse
	if err := getJSON(ctx, m.client, m.baseURL+"/ws/v1/cluster/nodes", &resp); err != nil {
		return nil, err
	}
	if resp.Nodes == nil {
		return nil, nil
	}

	nodes := make([]types.ClusterNode, 0, len(resp.Nodes.Node))
	for _, n := range resp.Nodes.Node {
		nodes = append(nodes, types.ClusterNode{Address: n.NodeHostName, State: yarnNodeState(n.State)})
	}
	m.logger.Debug("Listed YARN nodes", zap.Int("count", len(nodes)))
	return nodes, nil
}

func yarnNodeState(state string) types.NodeState {
	switch strings.ToUpper(state) {
	case "RUNNING", "NEW", "REBOOTED":
		return types.NodeActive
	default:
		return types.NodeInactive
	}
}

func normalizeBaseURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return addr
}
