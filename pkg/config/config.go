package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"bookkeeper/pkg/types"
	"bookkeeper/pkg/utils"

	"github.com/BurntSushi/toml"
)

type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleWorker      Role = "worker"
)

type Config struct {
	Role               Role   `json:"role" toml:"role"`
	Hostname           string `json:"hostname" toml:"hostname"`
	Address            string `json:"address" toml:"address"`
	CoordinatorAddress string `json:"coordinator_address" toml:"coordinator_address"`
	MetricsAddress     string `json:"metrics_address" toml:"metrics_address"`
	ServerMaxThreads   int    `json:"server_max_threads" toml:"server_max_threads"`

	Cache   CacheConfig   `json:"cache" toml:"cache"`
	Health  HealthConfig  `json:"health" toml:"health"`
	Cluster ClusterConfig `json:"cluster" toml:"cluster"`
	Client  ClientConfig  `json:"client" toml:"client"`

	LogLevel string `json:"log_level" toml:"log_level"`
	LogFile  string `json:"log_file" toml:"log_file"`
}

type CacheConfig struct {
	BlockSize          ByteSize `json:"block_size" toml:"block_size"`
	MaxDisks           int      `json:"max_disks" toml:"max_disks"`
	DataDirPrefix      string   `json:"data_dir_prefix" toml:"data_dir_prefix"`
	DataDirSuffix      string   `json:"data_dir_suffix" toml:"data_dir_suffix"`
	RemoteFetchTimeout Duration `json:"remote_fetch_timeout" toml:"remote_fetch_timeout"`
	// MaxReadSize is rounded down to whole blocks, at least one, by the
	// fetch engine.
	MaxReadSize ByteSize `json:"max_read_size" toml:"max_read_size"`
	// Zero means one.
	FetchParallelism int `json:"fetch_parallelism" toml:"fetch_parallelism"`
}

type HealthConfig struct {
	StatusExpiry      Duration `json:"health_status_expiry" toml:"health_status_expiry"`
	ValidationEnabled bool     `json:"validation_enabled" toml:"validation_enabled"`
	HeartbeatInterval Duration `json:"heartbeat_interval" toml:"heartbeat_interval"`
}

type ClusterConfig struct {
	Type            string            `json:"cluster_type" toml:"cluster_type"`
	RefreshInterval Duration          `json:"node_refresh_interval" toml:"node_refresh_interval"`
	Managers        map[string]string `json:"cluster_managers" toml:"cluster_managers"`
	StaticNodes     []string          `json:"static_nodes" toml:"static_nodes"`
	YarnAddress     string            `json:"yarn_address" toml:"yarn_address"`
	PrestoAddress   string            `json:"presto_address" toml:"presto_address"`
	RequestTimeout  Duration          `json:"request_timeout" toml:"request_timeout"`
}

// ClientConfig drives the retrying RPC client used by workers and the CLI.
type ClientConfig struct {
	MaxRetries  int      `json:"max_retries" toml:"max_retries"`
	BaseDelay   Duration `json:"base_delay" toml:"base_delay"`
	MaxDelay    Duration `json:"max_delay" toml:"max_delay"`
	CallTimeout Duration `json:"call_timeout" toml:"call_timeout"`
}

func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	return &Config{
		Role:               RoleWorker,
		Hostname:           hostname,
		Address:            ":8899",
		CoordinatorAddress: "localhost:8899",
		ServerMaxThreads:   100,
		Cache: CacheConfig{
			BlockSize:          ByteSize(utils.MiB),
			MaxDisks:           1,
			DataDirPrefix:      "/media/ephemeral",
			DataDirSuffix:      "/fcache",
			RemoteFetchTimeout: Duration(30 * time.Second),
			MaxReadSize:        ByteSize(4 * utils.MiB),
			FetchParallelism:   4,
		},
		Health: HealthConfig{
			StatusExpiry:      Duration(60 * time.Second),
			HeartbeatInterval: Duration(30 * time.Second),
		},
		Cluster: ClusterConfig{
			Type:            types.ClusterHadoop2.String(),
			RefreshInterval: Duration(300 * time.Second),
			Managers:        DefaultManagers(),
			RequestTimeout:  Duration(5 * time.Second),
		},
		Client: ClientConfig{
			MaxRetries:  3,
			BaseDelay:   Duration(100 * time.Millisecond),
			MaxDelay:    Duration(5 * time.Second),
			CallTimeout: Duration(60 * time.Second),
		},
		LogLevel: "info",
	}
}


// DefaultManagers maps every cluster type to the registered manager of the
// same name.
func DefaultManagers() map[string]string {
	managers := make(map[string]string)
	for _, t := range []types.ClusterType{
		types.ClusterHadoop2, types.ClusterPresto, types.ClusterTest,
		types.ClusterTestMultinode, types.ClusterStatic,
	} {
		managers[t.String()] = t.String()
	}
	return managers
}

// LoadConfig reads a JSON or, for *.toml files, TOML config on top of the
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadFromEnv() (*Config, error) {
	cfg := Default()

	cfg.Role = Role(getEnv("BOOKKEEPER_ROLE", string(cfg.Role)))
	cfg.Hostname = getEnv("BOOKKEEPER_HOSTNAME", cfg.Hostname)
	cfg.Address = getEnv("BOOKKEEPER_ADDRESS", cfg.Address)
	cfg.CoordinatorAddress = getEnv("BOOKKEEPER_COORDINATOR_ADDRESS", cfg.CoordinatorAddress)
	cfg.MetricsAddress = getEnv("BOOKKEEPER_METRICS_ADDRESS", cfg.MetricsAddress)
	cfg.Cache.DataDirPrefix = getEnv("BOOKKEEPER_DATA_DIR_PREFIX", cfg.Cache.DataDirPrefix)
	cfg.Cluster.Type = getEnv("BOOKKEEPER_CLUSTER_TYPE", cfg.Cluster.Type)
	cfg.Cluster.YarnAddress = getEnv("BOOKKEEPER_YARN_ADDRESS", cfg.Cluster.YarnAddress)
	cfg.Cluster.PrestoAddress = getEnv("BOOKKEEPER_PRESTO_ADDRESS", cfg.Cluster.PrestoAddress)
	cfg.LogLevel = getEnv("BOOKKEEPER_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getEnv("BOOKKEEPER_LOG_FILE", cfg.LogFile)

	if nodes := os.Getenv("BOOKKEEPER_STATIC_NODES"); nodes != "" {
		cfg.Cluster.StaticNodes = strings.Split(nodes, ",")
	}
	if v := os.Getenv("BOOKKEEPER_MAX_DISKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BOOKKEEPER_MAX_DISKS: %w", err)
		}
		cfg.Cache.MaxDisks = n
	}
	if v := os.Getenv("BOOKKEEPER_BLOCK_SIZE"); v != "" {
		if err := cfg.Cache.BlockSize.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("invalid BOOKKEEPER_BLOCK_SIZE: %w", err)
		}
	}
	if v := os.Getenv("BOOKKEEPER_VALIDATION_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BOOKKEEPER_VALIDATION_ENABLED: %w", err)
		}
		cfg.Health.ValidationEnabled = enabled
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Role {
	case RoleCoordinator, RoleWorker:
	default:
		return fmt.Errorf("invalid role %q (expected %q or %q)", c.Role, RoleCoordinator, RoleWorker)
	}
	if c.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	if c.Cache.BlockSize <= 0 {
		return fmt.Errorf("block_size must be positive")
	}
	if c.Cache.MaxDisks <= 0 {
		return fmt.Errorf("max_disks must be positive")
	}
	if c.Cache.MaxReadSize < 0 {
		return fmt.Errorf("max_read_size must not be negative")
	}
	if c.Cache.FetchParallelism < 0 {
		return fmt.Errorf("fetch_parallelism must not be negative")
	}
	if c.ServerMaxThreads <= 0 {
		return fmt.Errorf("server_max_threads must be positive")
	}
	if c.Health.StatusExpiry <= 0 {
		return fmt.Errorf("health_status_expiry must be positive")
	}
	if _, err := c.ClusterType(); err != nil {
		return err
	}
	if c.Role == RoleWorker && c.CoordinatorAddress == "" {
		return fmt.Errorf("coordinator_address is required for workers")
	}
	if c.Cluster.Managers == nil {
		c.Cluster.Managers = DefaultManagers()
	}
	return nil
}

func (c *Config) ClusterType() (types.ClusterType, error) {
	return types.ParseClusterType(c.Cluster.Type)
}

func (c *Config) IsCoordinator() bool {
	return c.Role == RoleCoordinator
}

// ManagerName returns the registered manager name configured for t.
func (c *Config) ManagerName(t types.ClusterType) string {
	if name, ok := c.Cluster.Managers[t.String()]; ok {
		return name
	}
	return t.String()
}

// SetManagerName overrides the manager used for t.
func (c *Config) SetManagerName(t types.ClusterType, name string) {
	if c.Cluster.Managers == nil {
		c.Cluster.Managers = DefaultManagers()
	}
	c.Cluster.Managers[t.String()] = name
}

// DiskDir is the cache root of disk i.
func (c *CacheConfig) DiskDir(i int) string {
	return fmt.Sprintf("%s%d%s", c.DataDirPrefix, i, c.DataDirSuffix)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
