package cluster

import (
	"context"
	"fmt"
	"net/url"

	"bookkeeper/pkg/config"
	"bookkeeper/pkg/types"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// PrestoManager lists workers known to a Presto coordinator. Nodes reported
// as failed are kept in the list as INACTIVE.
type PrestoManager struct {
	baseURL string
	client  *retryablehttp.Client
	logger  *zap.Logger
}

type prestoNode struct {
	URI string `json:"uri"`
}

func newPrestoManager(_ types.ClusterType, cfg *config.Config, logger *zap.Logger) (Manager, error) {
	if cfg.Cluster.PrestoAddress == "" {
		return nil, fmt.Errorf("presto_address is not configured")
	}
	return &PrestoManager{
		baseURL: normalizeBaseURL(cfg.Cluster.PrestoAddress),
		client:  newTopologyClient(cfg.Cluster.RequestTimeout.Std(), logger),
		logger:  logger,
	}, nil
}

func (m *PrestoManager) Type() types.ClusterType {
	return types.ClusterPresto
}

func (m *PrestoManager) ListNodes(ctx context.Context) ([]types.ClusterNode, error) {
	var all, failed []prestoNode
	if err := getJSON(ctx, m.client, m.baseURL+"/v1/node", &all); err != nil {
		return nil, err
	}
	if err := getJSON(ctx, m.client, m.baseURL+"/v1/node/failed", &failed); err != nil {
		return nil, err
	}

	failedHosts := make(map[string]bool, len(failed))
	for _, n := range failed {
		if host, err := prestoHost(n.URI); err == nil {
			failedHosts[host] = true
		}
	}

	nodes := make([]types.ClusterNode, 0, len(all))
	for _, n := range all {
		host, err := prestoHost(n.URI)
		if err != nil {
			m.logger.Warn("Skipping presto node with bad uri", zap.String("uri", n.URI), zap.Error(err))
			continue
		}
		state := types.NodeActive
		if failedHosts[host] {
			state = types.NodeInactive
		}
		nodes = append(nodes, types.ClusterNode{Address: host, State: state})
	}
	return nodes, nil
}

func prestoHost(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("no host in %q", uri)
	}
	return u.Hostname(), nil
}
