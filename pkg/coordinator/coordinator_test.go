package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"bookkeeper/pkg/cluster"
	"bookkeeper/pkg/config"
	"bookkeeper/pkg/metrics"
	"bookkeeper/pkg/protocol"
	"bookkeeper/pkg/types"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	worker1 = "worker1"
	worker2 = "worker2"
)

var allValidated = types.HeartbeatStatus{CachingValidated: true, FileValidated: true}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Role = config.RoleCoordinator
	cfg.Hostname = "coordinator"
	cfg.Cluster.Type = types.ClusterTest.String()
	cfg.Cluster.RefreshInterval = 0
	cfg.Cache.BlockSize = config.ByteSize(100)
	cfg.Cache.DataDirPrefix = filepath.Join(t.TempDir(), "disk")
	cfg.Health.StatusExpiry = config.Duration(1000 * time.Millisecond)
	require.NoError(t, cfg.Validate())
	return cfg
}

// setupTestCoordinator builds a coordinator on a fake clock with a private
// metrics registry.
func setupTestCoordinator(t *testing.T, cfg *config.Config) (*Coordinator, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	logger, _ := zap.NewDevelopment()

	coord, err := New(context.Background(), Options{
		Config:  cfg,
		Metrics: metrics.New(nil),
		Clock:   clock,
		Logger:  logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { coord.Close() })
	return coord, clock
}

func gaugeValue(t *testing.T, c *Coordinator, name string) (float64, bool) {
	t.Helper()
	return metrics.GaugeValue(c.Metrics().Gatherer(), name)
}

func TestWorkerHealthExpiry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Health.ValidationEnabled = true
	coord, clock := setupTestCoordinator(t, cfg)
	ctx := context.Background()

	for _, w := range []string{worker1, worker2} {
		resp, err := coord.HandleHeartbeat(ctx, &protocol.HeartbeatRequest{Hostname: w, Status: allValidated})
		require.NoError(t, err)
		assert.True(t, resp.Ack)
	}

	live, ok := gaugeValue(t, coord, metrics.LiveWorkerGauge)
	require.True(t, ok)
	assert.Equal(t, 2.0, live)

	clock.Advance(1000 * time.Millisecond)
	_, err := coord.HandleHeartbeat(ctx, &protocol.HeartbeatRequest{Hostname: worker1, Status: allValidated})
	require.NoError(t, err)

	for _, name := range []string{metrics.LiveWorkerGauge, metrics.CachingValidatedWorkerGauge, metrics.FileValidatedWorkerGauge} {
		v, ok := gaugeValue(t, coord, name)
		require.True(t, ok, name)
		assert.Equal(t, 1.0, v, name)
	}
}

func TestValidationGaugesDisabled(t *testing.T) {
	coord, _ := setupTestCoordinator(t, testConfig(t))

	_, err := coord.HandleHeartbeat(context.Background(), &protocol.HeartbeatRequest{Hostname: worker1, Status: allValidated})
	require.NoError(t, err)

	v, ok := gaugeValue(t, coord, metrics.LiveWorkerGauge)
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	_, ok = gaugeValue(t, coord, metrics.CachingValidatedWorkerGauge)
	assert.False(t, ok)
	_, ok = gaugeValue(t, coord, metrics.FileValidatedWorkerGauge)
	assert.False(t, ok)
}

func TestValidationFlagsCountSeparately(t *testing.T) {
	cfg := testConfig(t)
	cfg.Health.ValidationEnabled = true
	coord, _ := setupTestCoordinator(t, cfg)
	ctx := context.Background()

	_, _ = coord.HandleHeartbeat(ctx, &protocol.HeartbeatRequest{Hostname: worker1, Status: types.HeartbeatStatus{CachingValidated: true}})
	_, _ = coord.HandleHeartbeat(ctx, &protocol.HeartbeatRequest{Hostname: worker2, Status: types.HeartbeatStatus{FileValidated: true}})
	resp, err := coord.HandleHeartbeat(ctx, &protocol.HeartbeatRequest{})
	require.NoError(t, err)
	assert.True(t, resp.Ack)

	v, _ := gaugeValue(t, coord, metrics.LiveWorkerGauge)
	assert.Equal(t, 2.0, v)
	v, _ = gaugeValue(t, coord, metrics.CachingValidatedWorkerGauge)
	assert.Equal(t, 1.0, v)
	v, _ = gaugeValue(t, coord, metrics.FileValidatedWorkerGauge)
	assert.Equal(t, 1.0, v)
}

func TestGetClusterManagerInstance(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cluster.YarnAddress = "http://resourcemanager:8088"
	coord, _ := setupTestCoordinator(t, cfg)

	m, err := coord.GetClusterManagerInstance(types.ClusterHadoop2)
	require.NoError(t, err)
	assert.IsType(t, &cluster.Hadoop2Manager{}, m)

	m, err = coord.GetClusterManagerInstance(types.ClusterTest)
	require.NoError(t, err)
	assert.IsType(t, &cluster.StaticManager{}, m)

	cfg.SetManagerName(types.ClusterPresto, "com.example.MissingClusterManager")
	_, err = coord.GetClusterManagerInstance(types.ClusterPresto)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCoordinatorInitialization))
	assert.True(t, errors.Is(err, cluster.ErrClusterManagerInitialization))
}

func TestNewFailsForUnresolvableManager(t *testing.T) {
	cfg := testConfig(t)
	cfg.SetManagerName(types.ClusterTest, "does-not-exist")

	_, err := New(context.Background(), Options{Config: cfg, Metrics: metrics.New(nil)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCoordinatorInitialization)
	assert.ErrorIs(t, err, cluster.ErrClusterManagerInitialization)
}

func TestGetClusterNodes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cluster.StaticNodes = []string{"n1", "n2!", "n3"}
	coord, _ := setupTestCoordinator(t, cfg)
	ctx := context.Background()

	resp, err := coord.GetClusterNodes(ctx, &protocol.GetClusterNodesRequest{ClusterType: int32(types.ClusterTest)})
	require.NoError(t, err)
	assert.Equal(t, []types.ClusterNode{{Address: "coordinator", State: types.NodeActive}}, resp.Nodes)

	resp, err = coord.GetClusterNodes(ctx, &protocol.GetClusterNodesRequest{ClusterType: int32(types.ClusterStatic)})
	require.NoError(t, err)
	assert.Equal(t, []types.ClusterNode{
		{Address: "n1", State: types.NodeActive},
		{Address: "n2", State: types.NodeInactive},
		{Address: "n3", State: types.NodeActive},
	}, resp.Nodes)

	_, err = coord.GetClusterNodes(ctx, &protocol.GetClusterNodesRequest{ClusterType: 42})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCoordinatorServesCacheStatus(t *testing.T) {
	coord, _ := setupTestCoordinator(t, testConfig(t))
	ctx := context.Background()

	req := &protocol.GetCacheStatusRequest{
		Path:         "/warehouse/t/part-0",
		FileSize:     250,
		LastModified: 1,
		StartBlock:   0,
		EndBlock:     3,
		ClusterType:  int32(types.ClusterTest),
	}
	resp, err := coord.GetCacheStatus(ctx, req)
	require.NoError(t, err)
	require.Len(t, resp.Blocks, 3)
	for _, b := range resp.Blocks {
		assert.Equal(t, types.LocationLocal, b.Location)
	}

	owner, err := coord.GetOwnerNode(ctx, &protocol.GetOwnerNodeRequest{Path: req.Path, ClusterType: req.ClusterType})
	require.NoError(t, err)
	assert.Equal(t, "coordinator", owner.Address)
}
