package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-gateway/internal/ratelimit"
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type APNSConfig struct {
	CertificateFile     string
	CertificatePassword string
	Topic               string
}

type RetryConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	QueueSize   int
	Workers     int
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID  string
	ListenAddr string
	// MetricsAddr is the separate bind address for the Prometheus endpoint.
	// Empty disables the metrics listener.
	MetricsAddr string

	// RegistryBackend selects "memory" or "firestore".
	RegistryBackend string

	DebounceWindow time.Duration

	APNS  APNSConfig
	Redis RedisConfig
	Retry RetryConfig

	// RateLimits maps a provider name to its token bucket. Providers not
	// listed use DefaultRateLimit.
	RateLimits       map[string]ratelimit.BucketConfig
	DefaultRateLimit ratelimit.BucketConfig

	SubscriptionID         string
	SubscriptionDLQTopicID string
	TopicID                string
	NumPipelineWorkers     int
	PubsubConsumerConfig   *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("METRICS_ADDR"); val != "" {
		logger.Debug("Overriding config value", "key", "METRICS_ADDR", "source", "env")
		cfg.MetricsAddr = val
	}
	if val := os.Getenv("REGISTRY_BACKEND"); val != "" {
		logger.Debug("Overriding config value", "key", "REGISTRY_BACKEND", "source", "env")
		cfg.RegistryBackend = val
	}
	if val := os.Getenv("DEBOUNCE_WINDOW_SECONDS"); val != "" {
		if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
			logger.Debug("Overriding config value", "key", "DEBOUNCE_WINDOW_SECONDS", "source", "env")
			cfg.DebounceWindow = time.Duration(secs) * time.Second
		}
	}
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_DLQ_TOPIC_ID", "source", "env")
		cfg.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}

	// APNs Overrides
	if val := os.Getenv("APNS_CERTIFICATE_FILE"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_CERTIFICATE_FILE", "source", "env")
		cfg.APNS.CertificateFile = val
	}
	if val := os.Getenv("APNS_CERTIFICATE_PASSWORD"); val != "" {
		cfg.APNS.CertificatePassword = val
	}
	if val := os.Getenv("APNS_TOPIC"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_TOPIC", "source", "env")
		cfg.APNS.Topic = val
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// 2. Final Validation
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 10 * time.Second
	}
	if cfg.RegistryBackend == "" {
		cfg.RegistryBackend = "memory"
	}
	switch cfg.RegistryBackend {
	case "memory", "firestore":
	default:
		return nil, fmt.Errorf("unknown registry_backend %q (want memory or firestore)", cfg.RegistryBackend)
	}
	if cfg.RegistryBackend == "firestore" && cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required for the firestore backend (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID != "" && cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required for Pub/Sub ingestion (set via YAML or PROJECT_ID env var)")
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
