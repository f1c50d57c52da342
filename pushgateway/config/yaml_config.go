package config

import (
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-gateway/internal/ratelimit"
)

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type YamlAPNSConfig struct {
	CertificateFile     string `yaml:"certificate_file"`
	CertificatePassword string `yaml:"certificate_password"`
	Topic               string `yaml:"topic"`
}

type YamlRateLimit struct {
	Capacity        int     `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
}

type YamlRetryConfig struct {
	MaxAttempts   int `yaml:"max_attempts"`
	BackoffBaseMS int `yaml:"backoff_base_ms"`
	QueueSize     int `yaml:"queue_size"`
	Workers       int `yaml:"workers"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string                   `yaml:"project_id"`
	ListenAddr             string                   `yaml:"listen_addr"`
	MetricsAddr            string                   `yaml:"metrics_addr"`
	RegistryBackend        string                   `yaml:"registry_backend"`
	DebounceWindowSeconds  int                      `yaml:"debounce_window_seconds"`
	TopicID                string                   `yaml:"topic_id"`
	SubscriptionID         string                   `yaml:"subscription_id"`
	SubscriptionDLQTopicID string                   `yaml:"subscription_dlq_topic_id"`
	NumPipelineWorkers     int                      `yaml:"num_pipeline_workers"`
	APNSConfig             YamlAPNSConfig           `yaml:"apns"`
	RedisConfig            YamlRedisConfig          `yaml:"redis"`
	RetryConfig            YamlRetryConfig          `yaml:"retry"`
	RateLimits             map[string]YamlRateLimit `yaml:"rate_limits"`
	DefaultRateLimit       YamlRateLimit            `yaml:"default_rate_limit"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:       baseCfg.ProjectID,
		ListenAddr:      baseCfg.ListenAddr,
		MetricsAddr:     baseCfg.MetricsAddr,
		RegistryBackend: baseCfg.RegistryBackend,
		DebounceWindow:  time.Duration(baseCfg.DebounceWindowSeconds) * time.Second,
		TopicID:         baseCfg.TopicID,
		SubscriptionID:  baseCfg.SubscriptionID,
		APNS: APNSConfig{
			CertificateFile:     baseCfg.APNSConfig.CertificateFile,
			CertificatePassword: baseCfg.APNSConfig.CertificatePassword,
			Topic:               baseCfg.APNSConfig.Topic,
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
		},
		Retry: RetryConfig{
			MaxAttempts: baseCfg.RetryConfig.MaxAttempts,
			BackoffBase: time.Duration(baseCfg.RetryConfig.BackoffBaseMS) * time.Millisecond,
			QueueSize:   baseCfg.RetryConfig.QueueSize,
			Workers:     baseCfg.RetryConfig.Workers,
		},
		DefaultRateLimit: ratelimit.BucketConfig{
			Capacity:        baseCfg.DefaultRateLimit.Capacity,
			RefillPerSecond: baseCfg.DefaultRateLimit.RefillPerSecond,
		},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if len(baseCfg.RateLimits) > 0 {
		cfg.RateLimits = make(map[string]ratelimit.BucketConfig, len(baseCfg.RateLimits))
		for provider, rl := range baseCfg.RateLimits {
			cfg.RateLimits[provider] = ratelimit.BucketConfig{
				Capacity:        rl.Capacity,
				RefillPerSecond: rl.RefillPerSecond,
			}
		}
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"listen_addr", cfg.ListenAddr,
		"metrics_addr", cfg.MetricsAddr,
		"registry_backend", cfg.RegistryBackend,
	)

	return cfg, nil
}
