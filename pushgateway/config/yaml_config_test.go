package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-gateway/internal/ratelimit"
	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"
)

func TestNewConfigFromYaml(t *testing.T) {
	logger := newTestLogger()

	t.Run("Success - maps all fields correctly", func(t *testing.T) {
		yamlCfg := &config.YamlConfig{
			ProjectID:              "yaml-project",
			ListenAddr:             ":9000",
			MetricsAddr:            ":9090",
			RegistryBackend:        "firestore",
			DebounceWindowSeconds:  5,
			TopicID:                "yaml-topic",
			SubscriptionID:         "yaml-subscription",
			SubscriptionDLQTopicID: "yaml-dlq",
			NumPipelineWorkers:     5,
			APNSConfig: config.YamlAPNSConfig{
				CertificateFile:     "certs/push.p12",
				CertificatePassword: "secret",
				Topic:               "chat.example",
			},
			RetryConfig: config.YamlRetryConfig{
				MaxAttempts:   5,
				BackoffBaseMS: 250,
				QueueSize:     512,
				Workers:       8,
			},
			RateLimits: map[string]config.YamlRateLimit{
				"apns": {Capacity: 100, RefillPerSecond: 50},
			},
			DefaultRateLimit: config.YamlRateLimit{Capacity: 20, RefillPerSecond: 10},
		}

		cfg, err := config.NewConfigFromYaml(yamlCfg, logger)

		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "yaml-project", cfg.ProjectID)
		assert.Equal(t, ":9000", cfg.ListenAddr)
		assert.Equal(t, ":9090", cfg.MetricsAddr)
		assert.Equal(t, "firestore", cfg.RegistryBackend)
		assert.Equal(t, 5*time.Second, cfg.DebounceWindow)
		assert.Equal(t, "yaml-topic", cfg.TopicID)
		assert.Equal(t, "yaml-dlq", cfg.SubscriptionDLQTopicID)
		assert.Equal(t, 5, cfg.NumPipelineWorkers)

		assert.Equal(t, "certs/push.p12", cfg.APNS.CertificateFile)
		assert.Equal(t, "chat.example", cfg.APNS.Topic)

		assert.Equal(t, 5, cfg.Retry.MaxAttempts)
		assert.Equal(t, 250*time.Millisecond, cfg.Retry.BackoffBase)
		assert.Equal(t, 512, cfg.Retry.QueueSize)
		assert.Equal(t, 8, cfg.Retry.Workers)

		assert.Equal(t, ratelimit.BucketConfig{Capacity: 100, RefillPerSecond: 50}, cfg.RateLimits["apns"])
		assert.Equal(t, ratelimit.BucketConfig{Capacity: 20, RefillPerSecond: 10}, cfg.DefaultRateLimit)

		assert.NotNil(t, cfg.PubsubConsumerConfig)
	})

	t.Run("Success - Handles missing optional fields gracefully", func(t *testing.T) {
		yamlCfg := &config.YamlConfig{
			ListenAddr: ":8080",
		}

		cfg, err := config.NewConfigFromYaml(yamlCfg, logger)

		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.ListenAddr)
		assert.Empty(t, cfg.MetricsAddr)
		assert.Zero(t, cfg.DebounceWindow)
		assert.Nil(t, cfg.RateLimits)
		assert.Nil(t, cfg.PubsubConsumerConfig)
	})
}
