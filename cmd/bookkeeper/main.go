package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bookkeeper/pkg/client"
	"bookkeeper/pkg/config"
	"bookkeeper/pkg/logutil"
	"bookkeeper/pkg/server"
	"bookkeeper/pkg/shared"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	verbose    bool
	address    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bookkeeper",
		Short: "Distributed block cache for remote file reads",
		Long: `BookKeeper caches blocks of remote files on local disks.
A coordinator tracks worker health and every node answers cache status and
read-through requests for the paths its consistent-hash ring owns.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (JSON or TOML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&address, "address", "a", "", "BookKeeper address for client commands")

	rootCmd.AddCommand(
		serverCmd(),
		healthCmd(),
		nodesCmd(),
		ownerCmd(),
		statusCmd(),
		readCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serverCmd() *cobra.Command {
	var (
		role        string
		listen      string
		coordinator string
		metrics     string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run a BookKeeper coordinator or worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if role != "" {
				cfg.Role = config.Role(role)
			}
			if listen != "" {
				cfg.Address = listen
			}
			if coordinator != "" {
				cfg.CoordinatorAddress = coordinator
			}
			if metrics != "" {
				cfg.MetricsAddress = metrics
			}

			logger := setupLogger(cfg)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := server.New(ctx, server.Options{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}

			logger.Info("Starting BookKeeper",
				zap.String("role", string(cfg.Role)),
				zap.String("hostname", cfg.Hostname),
				zap.String("address", cfg.Address))

			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "coordinator or worker")
	cmd.Flags().StringVar(&listen, "listen", "", "RPC listen address")
	cmd.Flags().StringVar(&coordinator, "coordinator", "", "coordinator address (workers)")
	cmd.Flags().StringVar(&metrics, "metrics", "", "metrics listen address")

	return cmd
}

// loadConfig prefers --config and falls back to BOOKKEEPER_* variables.
func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadConfig(configFile)
	}
	return config.LoadFromEnv()
}

func setupLogger(cfg *config.Config) *zap.Logger {
	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	return logutil.Must(logutil.Options{Level: level, File: cfg.LogFile})
}

// dialClient connects to --address, or to the configured coordinator when
// none is given.
func dialClient(ctx context.Context) (*client.Client, *config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}

	target := address
	if target == "" {
		target = cfg.CoordinatorAddress
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	logger := logutil.Must(logutil.Options{Level: level})

	dialCtx, cancel := context.WithTimeout(ctx, shared.DefaultDialTimeout)
	defer cancel()

	c, err := client.Dial(dialCtx, target, cfg.Client, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	return c, cfg, nil
}
