// Package config handles configuration loading from files, environment
// variables, and flags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultHTTPAddr        = ":8080"
	defaultStagingDir      = "/var/lib/kumo/staging"
	defaultWorkers         = 4
	defaultStageAttempts   = 3
	defaultConvertSlots    = 2
	defaultChunkSizeMB     = 64
	defaultBackoffBase     = 10 * time.Second
	defaultBackoffCap      = 10 * time.Minute
	defaultStageTimeout    = 2 * time.Hour
	defaultPollInterval    = time.Second
	defaultMaxPollBackoff  = 30 * time.Second
	defaultVisibility      = 15 * time.Minute
	defaultStagingCapacity = int64(500) // GB
	defaultMinStagingGB    = int64(5)
	defaultStagingRetry    = 30 * time.Second
	defaultHeartbeat       = 2 * time.Minute
	defaultVisibilityExt   = 5 * time.Minute
)

// Config holds all configuration for the Kumo engine.
type Config struct {
	HTTPAddr    string
	PostgresDSN string

	Workers             int
	StageAttempts       int
	StageTimeout        time.Duration
	BackoffBase         time.Duration
	BackoffCap          time.Duration
	PollInterval        time.Duration
	MaxPollBackoff      time.Duration
	QueueVisibility     time.Duration
	HeartbeatInterval   time.Duration
	VisibilityExtension time.Duration

	TransferChunkSizeMB int64

	StagingBackend    string // "local" or "s3"
	StagingDir        string
	StagingCapacityGB int64
	MinStagingGB      int64
	StagingRetryDelay time.Duration
	MinioEndpoint     string
	MinioBucket       string
	MinioAccessKey    string
	MinioSecretKey    string
	MinioUseSSL       bool

	ConvertSlots int

	Debug bool
}

// Load initializes configuration from file, environment variables, and flags.
func Load(configFile string) (*Config, error) {
	viper.SetDefault("http_addr", defaultHTTPAddr)
	viper.SetDefault("workers", defaultWorkers)
	viper.SetDefault("stage_attempts", defaultStageAttempts)
	viper.SetDefault("stage_timeout", defaultStageTimeout)
	viper.SetDefault("backoff_base", defaultBackoffBase)
	viper.SetDefault("backoff_cap", defaultBackoffCap)
	viper.SetDefault("poll_interval", defaultPollInterval)
	viper.SetDefault("max_poll_backoff", defaultMaxPollBackoff)
	viper.SetDefault("queue_visibility", defaultVisibility)
	viper.SetDefault("heartbeat_interval", defaultHeartbeat)
	viper.SetDefault("visibility_extension", defaultVisibilityExt)
	viper.SetDefault("transfer_chunk_size_mb", defaultChunkSizeMB)
	viper.SetDefault("staging_backend", "local")
	viper.SetDefault("staging_dir", defaultStagingDir)
	viper.SetDefault("staging_capacity_gb", defaultStagingCapacity)
	viper.SetDefault("min_staging_gb", defaultMinStagingGB)
	viper.SetDefault("staging_retry_delay", defaultStagingRetry)
	viper.SetDefault("minio_bucket", "kumo-staging")
	viper.SetDefault("convert_slots", defaultConvertSlots)

	viper.AutomaticEnv()

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		HTTPAddr:            viper.GetString("http_addr"),
		PostgresDSN:         viper.GetString("postgres_dsn"),
		Workers:             viper.GetInt("workers"),
		StageAttempts:       viper.GetInt("stage_attempts"),
		StageTimeout:        viper.GetDuration("stage_timeout"),
		BackoffBase:         viper.GetDuration("backoff_base"),
		BackoffCap:          viper.GetDuration("backoff_cap"),
		PollInterval:        viper.GetDuration("poll_interval"),
		MaxPollBackoff:      viper.GetDuration("max_poll_backoff"),
		QueueVisibility:     viper.GetDuration("queue_visibility"),
		HeartbeatInterval:   viper.GetDuration("heartbeat_interval"),
		VisibilityExtension: viper.GetDuration("visibility_extension"),
		TransferChunkSizeMB: viper.GetInt64("transfer_chunk_size_mb"),
		StagingBackend:      viper.GetString("staging_backend"),
		StagingDir:          viper.GetString("staging_dir"),
		StagingCapacityGB:   viper.GetInt64("staging_capacity_gb"),
		MinStagingGB:        viper.GetInt64("min_staging_gb"),
		StagingRetryDelay:   viper.GetDuration("staging_retry_delay"),
		MinioEndpoint:       viper.GetString("minio_endpoint"),
		MinioBucket:         viper.GetString("minio_bucket"),
		MinioAccessKey:      viper.GetString("minio_access_key"),
		MinioSecretKey:      viper.GetString("minio_secret_key"),
		MinioUseSSL:         viper.GetBool("minio_use_ssl"),
		ConvertSlots:        viper.GetInt("convert_slots"),
		Debug:               viper.GetBool("debug"),
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("postgres_dsn is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.StageAttempts <= 0 {
		return fmt.Errorf("stage_attempts must be positive")
	}
	switch c.StagingBackend {
	case "local":
		if c.StagingDir == "" {
			return fmt.Errorf("staging_dir is required for local staging")
		}
	case "s3":
		if c.MinioEndpoint == "" {
			return fmt.Errorf("minio_endpoint is required for s3 staging")
		}
	default:
		return fmt.Errorf("unknown staging backend %q", c.StagingBackend)
	}
	return nil
}

// LoadConfig loads configuration using the global Viper instance.
func LoadConfig() (*Config, error) {
	return Load("")
}
