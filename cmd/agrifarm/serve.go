package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/agrifarm/internal/api"
	"github.com/nugget/agrifarm/internal/buildinfo"
	"github.com/nugget/agrifarm/internal/chat"
	"github.com/nugget/agrifarm/internal/config"
	"github.com/nugget/agrifarm/internal/connwatch"
	"github.com/nugget/agrifarm/internal/embeddings"
	"github.com/nugget/agrifarm/internal/events"
	"github.com/nugget/agrifarm/internal/farms"
	"github.com/nugget/agrifarm/internal/installation"
	"github.com/nugget/agrifarm/internal/iot"
	"github.com/nugget/agrifarm/internal/knowledge"
	"github.com/nugget/agrifarm/internal/llm"
	"github.com/nugget/agrifarm/internal/mqtt"
	"github.com/nugget/agrifarm/internal/router"
	"github.com/nugget/agrifarm/internal/session"
	"github.com/nugget/agrifarm/internal/users"
)

// shutdownTimeout bounds the MQTT offline publish and HTTP drain.
const shutdownTimeout = 10 * time.Second

// runServe starts the backend: database, MQTT bridge and ingestor,
// chat router and HTTP API. It blocks until SIGINT or SIGTERM.
//
// Shutdown order:
//  1. the signal cancels ctx
//  2. the bridge publishes "offline" on system/status and disconnects
//  3. the HTTP server drains in-flight requests
//  4. watchers and the database close via defers
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting agrifarm", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"broker", cfg.MQTT.Broker,
		"model", cfg.Models.Chat,
	)

	sealer, err := newSealer(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	// --- Stores ---
	userStore := users.NewStore(db)
	farmStore := farms.NewStore(db)
	deviceStore := iot.NewStore(db)
	knowledgeStore := knowledge.NewStore(db)
	installations := installation.NewStore(db, farmStore, userStore)

	bus := events.New()
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	// --- MQTT ---
	// The bridge is always built so the controller has a publisher;
	// without a broker every command fails with mqtt.ErrNotStarted.
	acks := mqtt.NewAckTracker(logger)
	bridge := mqtt.NewBridge(cfg.MQTT, bus, logger)
	ingestor := iot.NewIngestor(deviceStore, userStore, acks, bus, cfg.MQTT.Secret, logger)
	bridge.Handle(mqtt.TopicSensorData, ingestor.HandleData)
	bridge.Handle(mqtt.TopicSensorStatus, ingestor.HandleStatus)

	mqttStarted := false
	if cfg.MQTT.Configured() {
		if err := bridge.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt bridge: %w", err)
		}
		mqttStarted = true
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "mqtt",
			Probe:   bridge.AwaitConnection,
			Backoff: connwatch.DefaultBackoffConfig(),
			OnReady: func() {
				logger.Info("connected to mqtt broker", "broker", cfg.MQTT.Broker, "client_id", bridge.ClientID())
			},
		})
	} else {
		logger.Warn("mqtt bridge disabled, device commands will fail")
	}

	controller := iot.NewController(deviceStore, userStore, farmStore, bridge, acks,
		time.Duration(cfg.MQTT.AckTimeoutMs)*time.Millisecond, logger)

	// --- Models ---
	// Interface values stay nil when a backend is not configured so
	// the router disables the layers that need it.
	var generator router.Generator
	if cfg.Models.Configured() {
		ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
		generator = &llm.Generator{
			Client:      ollama,
			Model:       cfg.Models.Chat,
			Temperature: cfg.Models.Temperature,
		}
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "ollama",
			Probe:   ollama.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
			OnReady: func() {
				listCtx, listCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer listCancel()
				models, err := ollama.ListModels(listCtx)
				if err != nil {
					logger.Warn("list ollama models failed", "error", err)
					return
				}
				logger.Info("connected to ollama", "url", cfg.Models.OllamaURL, "models", len(models))
				wanted := []string{cfg.Models.Chat}
				if cfg.Embeddings.Enabled {
					wanted = append(wanted, cfg.Embeddings.Model)
				}
				for _, name := range wanted {
					if ok, err := ollama.HasModel(listCtx, name); err == nil && !ok {
						logger.Warn("model not installed in ollama", "model", name)
					}
				}
			},
		})
	} else {
		logger.Warn("no chat model configured, questions outside the knowledge base get an apology")
	}

	var embedder router.Embedder
	if cfg.Embeddings.Enabled {
		embedder = embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		})
		logger.Info("embeddings enabled", "model", cfg.Embeddings.Model)
	}

	// --- Chat ---
	rtr := router.NewRouter(logger, routerConfig(cfg), router.Deps{
		Credits:   userStore,
		Chunks:    knowledgeStore,
		Vectors:   knowledgeStore,
		Embedder:  embedder,
		LLM:       generator,
		Areas:     farmStore,
		Devices:   deviceStore,
		Commander: controller,
	})
	chatService := chat.NewService(chat.NewStore(db), userStore, rtr, logger)
	knowledgeService := knowledge.NewService(knowledgeStore, embedder, logger)

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Sealer:        sealer,
		Users:         userStore,
		Chat:          chatService,
		Router:        rtr,
		Devices:       controller,
		Knowledge:     knowledgeService,
		Installations: installations,
		Events:        bus,
		Health:        connMgr,
	}, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if mqttStarted {
			if err := bridge.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("agrifarm stopped")
	return nil
}

// routerConfig maps the pipeline settings onto the router.
func routerConfig(cfg *config.Config) router.Config {
	return router.Config{
		ExactMatchThreshold:    cfg.Pipeline.ExactMatchThreshold,
		RAGConfidenceThreshold: cfg.Pipeline.RAGConfidenceThreshold,
		LLMFallbackThreshold:   cfg.Pipeline.LLMFallbackThreshold,
		RAGTopK:                cfg.Pipeline.RAGTopK,
		MaxAuditLog:            cfg.Pipeline.MaxAuditLog,
		ModelName:              cfg.Models.Chat,
	}
}

// newSealer builds the token sealer shared by the backend and proxy.
func newSealer(cfg *config.Config) (*session.Sealer, error) {
	sealer, err := session.NewSealer(cfg.Session.Secret, time.Duration(cfg.Session.TTLHours)*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("session: %w (set session.secret or AGRIFARM_SESSION_SECRET)", err)
	}
	return sealer, nil
}
