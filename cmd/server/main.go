package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ollivr/soketi/internal/adapters/bus"
	"github.com/ollivr/soketi/internal/adapters/kafka"
	"github.com/ollivr/soketi/internal/api/routes"
	"github.com/ollivr/soketi/internal/apps"
	"github.com/ollivr/soketi/internal/broadcast"
	"github.com/ollivr/soketi/internal/channels"
	"github.com/ollivr/soketi/internal/config"
	"github.com/ollivr/soketi/internal/database"
	"github.com/ollivr/soketi/internal/registry"
	"github.com/ollivr/soketi/internal/webhooks"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogger(cfg.LogLevel)
	slog.Info("Starting soketi server")

	// Database connection, only needed by the gorm app manager driver
	var db *gorm.DB
	if cfg.AppManager.Driver == apps.DriverGorm {
		db, err = database.NewPostgresConnection(cfg.AppManager.PostgresDSN)
		if err != nil {
			slog.Error("Failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
	}

	appManager, err := apps.NewAppManager(cfg.AppManager.Driver, cfg.AppManager.Apps, db)
	if err != nil {
		slog.Error("Failed to build app manager", "error", err)
		os.Exit(1)
	}
	if gormManager, ok := appManager.(*apps.GormAppManager); ok {
		if err := gormManager.Migrate(); err != nil {
			slog.Error("Failed to migrate apps table", "error", err)
			os.Exit(1)
		}
	}

	broadcaster, busTransport, err := buildBroadcaster(cfg)
	if err != nil {
		slog.Error("Failed to build broadcast adapter", "error", err)
		os.Exit(1)
	}
	defer busTransport.Close()

	// Webhooks, with an optional Kafka mirror
	var producer sarama.SyncProducer
	if cfg.Webhooks.Enabled && cfg.Webhooks.KafkaTopic != "" {
		producer, err = kafka.InitProducer(cfg.Webhooks.KafkaBrokers)
		if err != nil {
			slog.Error("Failed to connect Kafka producer", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
	}
	var webhookSender channels.WebhookSender
	var dispatcher *webhooks.Dispatcher
	if cfg.Webhooks.Enabled {
		dispatcher = webhooks.NewDispatcher(producer, cfg.Webhooks.KafkaTopic)
		webhookSender = dispatcher
		defer dispatcher.Stop()
	}

	// Core wiring: manager fans out through the broadcaster, the
	// broadcaster delivers back through the manager, and the manager
	// reaches individual connections through the registry.
	channelManager := channels.NewManager(broadcaster, webhookSender)
	broadcaster.Bind(channelManager)
	connectionRegistry := registry.NewRegistry(appManager, channelManager)
	channelManager.SetDeliverer(connectionRegistry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := broadcaster.Start(ctx); err != nil {
		slog.Error("Failed to subscribe to broadcast bus", "error", err)
		os.Exit(1)
	}

	router := routes.NewRouter(connectionRegistry, channelManager, appManager)
	router.SetupRoutes()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Server starting", "address", server.Addr, "adapter", cfg.Adapter.Driver, "nodeID", broadcaster.OriginID())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Server shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	connectionRegistry.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped")
}

func buildBroadcaster(cfg *config.Config) (*broadcast.Broadcaster, bus.Bus, error) {
	nodeID := uuid.New().String()

	var transport bus.Bus
	switch cfg.Adapter.Driver {
	case "redis":
		redisBus, err := bus.NewRedisBus(cfg.Adapter.RedisURL, cfg.Adapter.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		transport = redisBus
	case "kafka":
		// Each node consumes with its own group id so every node sees
		// the full stream.
		transport = bus.NewKafkaBus(cfg.Adapter.KafkaBrokers, cfg.Adapter.KafkaTopic, nodeID)
	case "local", "":
		transport = bus.NewLocalBus()
	default:
		return nil, nil, fmt.Errorf("unknown adapter driver %q", cfg.Adapter.Driver)
	}

	return broadcast.NewBroadcaster(nodeID, transport), transport, nil
}

func setupLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
