package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	firebase "firebase.google.com/go/v4"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-gateway/internal/metrics"
	"github.com/tinywideclouds/go-push-gateway/internal/platform/apns"
	"github.com/tinywideclouds/go-push-gateway/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-gateway/internal/registry"
	"github.com/tinywideclouds/go-push-gateway/pkg/wakeup"
	"github.com/tinywideclouds/go-push-gateway/pushgateway"
	"github.com/tinywideclouds/go-push-gateway/pushgateway/config"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-push-gateway")
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, _ := config.NewConfigFromYaml(&yamlCfg, logger)
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	collector := metrics.New()

	// --- Registry ---
	var store wakeup.Registry
	switch cfg.RegistryBackend {
	case "firestore":
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			logger.Error("Firestore client failed", "err", err)
			os.Exit(1)
		}
		defer fsClient.Close()
		fsRegistry := registry.NewFirestore(fsClient)
		store = fsRegistry
		logger.Info("Registry initialized", "type", "firestore")

		// Seed the active-token gauge from the durable store.
		if count, err := fsRegistry.Count(ctx); err != nil {
			logger.Warn("Failed to count registered devices", "err", err)
		} else {
			collector.SetActiveTokens(int64(count))
		}

		if cfg.Redis.Enabled {
			logger.Info("Initializing Redis cache layer...", "addr", cfg.Redis.Addr)
			redisClient, err := registry.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				logger.Error("Failed to connect to Redis", "err", err)
				os.Exit(1)
			}
			defer redisClient.Close()
			store = registry.NewCached(store, redisClient, 24*time.Hour)
			logger.Info("Registry upgraded", "type", "redis_cached_firestore")
		}
	default:
		store = registry.NewMemory()
		logger.Info("Registry initialized", "type", "memory")
	}

	// --- Providers ---
	providers := make(map[wakeup.Platform]wakeup.Provider)

	// A. APNs: certificate-based, production and sandbox share the cert.
	if cfg.APNS.CertificateFile == "" {
		logger.Warn("APNs certificate missing in configuration. APNs wake-ups will fail.")
	} else {
		production, sandbox, err := apns.NewProviders(apns.Config{
			CertificateFile:     cfg.APNS.CertificateFile,
			CertificatePassword: cfg.APNS.CertificatePassword,
			Topic:               cfg.APNS.Topic,
		}, logger)
		if err != nil {
			logger.Error("Failed to load APNs credentials", "err", err)
			os.Exit(1)
		}
		providers[wakeup.PlatformAPNS] = production
		providers[wakeup.PlatformAPNSSandbox] = sandbox
		logger.Info("APNs providers enabled", "topic", cfg.APNS.Topic)
	}

	// B. FCM
	if cfg.ProjectID == "" {
		logger.Warn("No project configured. FCM wake-ups will fail.")
	} else {
		fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
		if err != nil {
			logger.Error("Failed to initialize Firebase App", "err", err)
			os.Exit(1)
		}
		fcmMessaging, err := fbApp.Messaging(ctx)
		if err != nil {
			logger.Error("Failed to create FCM messaging client", "err", err)
			os.Exit(1)
		}
		providers[wakeup.PlatformFCM] = fcm.NewProvider(fcmMessaging, logger)
		logger.Info("FCM provider enabled", "project", cfg.ProjectID)
	}

	// --- Optional Pub/Sub ingestion ---
	var consumer messagepipeline.MessageConsumer
	if cfg.SubscriptionID != "" {
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			logger.Error("PubSub client failed", "err", err)
			os.Exit(1)
		}
		defer psClient.Close()

		consumer, err = newIngestionConsumer(ctx, cfg, psClient, logger)
		if err != nil {
			logger.Error("Ingestion consumer failed", "err", err)
			os.Exit(1)
		}
	}

	// --- Service ---
	service, err := pushgateway.New(cfg, providers, store, consumer, collector, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	logger.Info("Starting service...")
	if err := service.Start(ctx); err != nil {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")
	dlt := convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              topicID,
		AckDeadlineSeconds: 10,
		DeadLetterPolicy: &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     dlt,
			MaxDeliveryAttempts: 5,
		},
		EnableMessageOrdering: false,
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
