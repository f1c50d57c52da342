package config_test

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	logger := newTestLogger()

	baseConfig := func() *config.Config {
		return &config.Config{
			ListenAddr:     ":8080",
			MetricsAddr:    ":9090",
			DebounceWindow: 10 * time.Second,
			APNS: config.APNSConfig{
				CertificateFile: "base.p12",
				Topic:           "chat.example",
			},
		}
	}

	t.Run("Success - All overrides applied", func(t *testing.T) {
		cfg := baseConfig()

		t.Setenv("PROJECT_ID", "env-project")
		t.Setenv("PORT", "9999")
		t.Setenv("METRICS_ADDR", ":9100")
		t.Setenv("DEBOUNCE_WINDOW_SECONDS", "3")
		t.Setenv("REGISTRY_BACKEND", "firestore")
		t.Setenv("APNS_CERTIFICATE_FILE", "env.p12")
		t.Setenv("APNS_TOPIC", "chat.env")
		t.Setenv("REDIS_ADDR", "localhost:6379")

		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, "env-project", finalCfg.ProjectID)
		assert.Equal(t, ":9999", finalCfg.ListenAddr)
		assert.Equal(t, ":9100", finalCfg.MetricsAddr)
		assert.Equal(t, 3*time.Second, finalCfg.DebounceWindow)
		assert.Equal(t, "firestore", finalCfg.RegistryBackend)
		assert.Equal(t, "env.p12", finalCfg.APNS.CertificateFile)
		assert.Equal(t, "chat.env", finalCfg.APNS.Topic)
		assert.True(t, finalCfg.Redis.Enabled)
		assert.Equal(t, "localhost:6379", finalCfg.Redis.Addr)
	})

	t.Run("Success - Defaults preserved and filled in", func(t *testing.T) {
		finalCfg, err := config.UpdateConfigWithEnvOverrides(&config.Config{}, logger)
		require.NoError(t, err)

		assert.Equal(t, ":8080", finalCfg.ListenAddr)
		assert.Equal(t, 10*time.Second, finalCfg.DebounceWindow)
		assert.Equal(t, "memory", finalCfg.RegistryBackend)
		assert.Equal(t, 1, finalCfg.NumPipelineWorkers)
	})

	t.Run("Validation Failure - Firestore without project", func(t *testing.T) {
		cfg := &config.Config{RegistryBackend: "firestore"}
		os.Unsetenv("PROJECT_ID")
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})

	t.Run("Validation Failure - Subscription without project", func(t *testing.T) {
		cfg := &config.Config{SubscriptionID: "wake-triggers-sub"}
		os.Unsetenv("PROJECT_ID")
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})

	t.Run("Validation Failure - Unknown backend", func(t *testing.T) {
		cfg := &config.Config{RegistryBackend: "postgres"}
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})

	t.Run("Subscription implies consumer config", func(t *testing.T) {
		cfg := &config.Config{ProjectID: "p", SubscriptionID: "wake-triggers-sub"}
		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)
		require.NotNil(t, finalCfg.PubsubConsumerConfig)
	})
}
