package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"bookkeeper/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookkeeper.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"role": "coordinator",
		"hostname": "master-1",
		"address": ":9000",
		"cache": {"block_size": "64KiB", "max_disks": 2, "remote_fetch_timeout": "5s"},
		"health": {"health_status_expiry": 1000, "validation_enabled": true},
		"cluster": {"cluster_type": "presto", "cluster_managers": {"presto": "static"}}
	}`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, RoleCoordinator, cfg.Role)
	assert.True(t, cfg.IsCoordinator())
	assert.Equal(t, "master-1", cfg.Hostname)
	assert.Equal(t, int64(64*1024), cfg.Cache.BlockSize.Int64())
	assert.Equal(t, 2, cfg.Cache.MaxDisks)
	assert.Equal(t, 5*time.Second, cfg.Cache.RemoteFetchTimeout.Std())
	assert.Equal(t, time.Second, cfg.Health.StatusExpiry.Std())
	assert.True(t, cfg.Health.ValidationEnabled)

	ct, err := cfg.ClusterType()
	require.NoError(t, err)
	assert.Equal(t, types.ClusterPresto, ct)
	assert.Equal(t, "static", cfg.ManagerName(types.ClusterPresto))

	// untouched defaults survive
	assert.Equal(t, 100, cfg.ServerMaxThreads)
}

func TestLoadConfigTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookkeeper.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
role = "worker"
hostname = "worker-7"
coordinator_address = "master:8899"

[cache]
block_size = "1MiB"
max_disks = 3
data_dir_prefix = "/tmp/bk"

[health]
heartbeat_interval = "10s"

[cluster]
cluster_type = "static"
static_nodes = ["worker-6", "worker-7"]
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, RoleWorker, cfg.Role)
	assert.Equal(t, "master:8899", cfg.CoordinatorAddress)
	assert.Equal(t, int64(1<<20), cfg.Cache.BlockSize.Int64())
	assert.Equal(t, 3, cfg.Cache.MaxDisks)
	assert.Equal(t, "/tmp/bk2/fcache", cfg.Cache.DiskDir(2))
	assert.Equal(t, 10*time.Second, cfg.Health.HeartbeatInterval.Std())
	assert.Equal(t, []string{"worker-6", "worker-7"}, cfg.Cluster.StaticNodes)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"role": "janitor"}`), 0644))
	_, err = LoadConfig(bad)
	assert.ErrorContains(t, err, "invalid role")

	badType := filepath.Join(dir, "badtype.json")
	require.NoError(t, os.WriteFile(badType, []byte(`{"cluster": {"cluster_type": "mesos"}}`), 0644))
	_, err = LoadConfig(badType)
	assert.ErrorContains(t, err, "unknown cluster type")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BOOKKEEPER_ROLE", "coordinator")
	t.Setenv("BOOKKEEPER_HOSTNAME", "env-host")
	t.Setenv("BOOKKEEPER_MAX_DISKS", "4")
	t.Setenv("BOOKKEEPER_BLOCK_SIZE", "128KiB")
	t.Setenv("BOOKKEEPER_VALIDATION_ENABLED", "true")
	t.Setenv("BOOKKEEPER_STATIC_NODES", "a,b,c")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.True(t, cfg.IsCoordinator())
	assert.Equal(t, "env-host", cfg.Hostname)
	assert.Equal(t, 4, cfg.Cache.MaxDisks)
	assert.Equal(t, int64(128*1024), cfg.Cache.BlockSize.Int64())
	assert.True(t, cfg.Health.ValidationEnabled)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Cluster.StaticNodes)
}

func TestSetManagerName(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "hadoop2", cfg.ManagerName(types.ClusterHadoop2))

	cfg.SetManagerName(types.ClusterHadoop2, "does-not-exist")
	assert.Equal(t, "does-not-exist", cfg.ManagerName(types.ClusterHadoop2))
}

func TestValidateDoesNotRewriteFetchSettings(t *testing.T) {
	cfg := Default()
	cfg.Hostname = "worker-1"
	cfg.Cache.BlockSize = ByteSize(4096)
	cfg.Cache.MaxReadSize = ByteSize(100)
	cfg.Cache.FetchParallelism = 0

	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(100), cfg.Cache.MaxReadSize.Int64())
	assert.Equal(t, 0, cfg.Cache.FetchParallelism)

	cfg.Cache.MaxReadSize = ByteSize(-1)
	assert.Error(t, cfg.Validate())

	cfg.Cache.MaxReadSize = ByteSize(100)
	cfg.Cache.FetchParallelism = -2
	assert.Error(t, cfg.Validate())
}
