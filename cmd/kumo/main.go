// Package main provides the entry point for the Kumo engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kumoproj/kumo/internal/cloud"
	"github.com/kumoproj/kumo/internal/cloud/aws"
	"github.com/kumoproj/kumo/internal/cloud/azure"
	"github.com/kumoproj/kumo/internal/cloud/gcp"
	"github.com/kumoproj/kumo/internal/cloud/oci"
	"github.com/kumoproj/kumo/internal/config"
	"github.com/kumoproj/kumo/internal/convert"
	"github.com/kumoproj/kumo/internal/dispatcher"
	"github.com/kumoproj/kumo/internal/logger"
	"github.com/kumoproj/kumo/internal/observability"
	"github.com/kumoproj/kumo/internal/pipeline"
	"github.com/kumoproj/kumo/internal/server"
	"github.com/kumoproj/kumo/internal/staging"
	"github.com/kumoproj/kumo/internal/store/postgres"
	"github.com/kumoproj/kumo/internal/transfer"
)

var (
	cfgFile string
	version = "0.3.0"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kumo",
	Short:   "Kumo - VM migration engine",
	Long:    `Kumo orchestrates VM disk-image migrations between cloud providers: export, convert, transfer, publish, launch.`,
	Version: version,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the HTTP API server",
	RunE:  runServer,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the migration worker pool",
	RunE:  runWorker,
}

var migrateDBCmd = &cobra.Command{
	Use:   "migrate-db",
	Short: "Apply database migrations",
	RunE:  runMigrateDB,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./kumo-config.env)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("postgres-dsn", "", "Postgres connection string")
	rootCmd.PersistentFlags().String("http-addr", "", "HTTP API listen address")
	rootCmd.PersistentFlags().Int("workers", 0, "Worker pool size")

	bindings := map[string]string{
		"DEBUG":        "debug",
		"POSTGRES_DSN": "postgres-dsn",
		"HTTP_ADDR":    "http-addr",
		"WORKERS":      "workers",
	}
	for env, flag := range bindings {
		if err := viper.BindPFlag(env, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to bind flag %s to env %s: %v\n", flag, env, err)
		}
	}

	rootCmd.AddCommand(serverCmd, workerCmd, migrateDBCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("kumo-config")
		viper.SetConfigType("env")
	}
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func setup() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	log := logger.New(cfg.Debug)
	log.Infof("Kumo version %s", version)
	return cfg, log, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	st, err := postgres.New(ctx, cfg.PostgresDSN, cfg.QueueVisibility)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	metrics := observability.New()
	srv := server.New(cfg.HTTPAddr, st, metrics, log)
	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	st, err := postgres.New(ctx, cfg.PostgresDSN, cfg.QueueVisibility)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	stage, err := newStaging(ctx, cfg)
	if err != nil {
		return err
	}

	converter := convert.New(log, cfg.ConvertSlots)
	if err := converter.CheckPrerequisites(); err != nil {
		return fmt.Errorf("prerequisite check failed: %w", err)
	}

	registry := cloud.NewRegistry()
	drivers := []cloud.Driver{
		aws.NewDriver(log),
		azure.NewDriver(log),
		gcp.NewDriver(log),
		oci.NewDriver(log),
	}
	for _, d := range drivers {
		if err := registry.Register(d); err != nil {
			return err
		}
	}

	metrics := observability.New()
	tm := transfer.NewManager(st, log, cfg.TransferChunkSizeMB<<20)
	engine := pipeline.NewEngine(st, registry, stage, converter, tm, metrics, log, pipeline.Options{
		StageAttempts: cfg.StageAttempts,
		StageTimeout:  cfg.StageTimeout,
		BackoffBase:   cfg.BackoffBase,
		BackoffCap:    cfg.BackoffCap,
	})
	disp := dispatcher.New(st, stage, engine.HandleTask, metrics, log, dispatcher.Config{
		Workers:             cfg.Workers,
		PollInterval:        cfg.PollInterval,
		MaxPollBackoff:      cfg.MaxPollBackoff,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		VisibilityExtension: cfg.VisibilityExtension,
		MinStagingBytes:     cfg.MinStagingGB << 30,
		StagingRetryDelay:   cfg.StagingRetryDelay,
	})
	if err := disp.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runMigrateDB(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	st, err := postgres.New(ctx, cfg.PostgresDSN, cfg.QueueVisibility)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		return err
	}
	log.Success("Database migrations applied")
	return nil
}

func newStaging(ctx context.Context, cfg *config.Config) (staging.Store, error) {
	switch cfg.StagingBackend {
	case "s3":
		return staging.NewMinioStore(ctx, staging.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			Bucket:    cfg.MinioBucket,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
			Workdir:   cfg.StagingDir,
		})
	default:
		return staging.NewLocalStore(cfg.StagingDir, cfg.StagingCapacityGB)
	}
}
