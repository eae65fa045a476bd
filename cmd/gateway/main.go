package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/elixirlabs/chamber-gateway/internal/api"
	"github.com/elixirlabs/chamber-gateway/internal/broadcast"
	"github.com/elixirlabs/chamber-gateway/internal/command"
	"github.com/elixirlabs/chamber-gateway/internal/metrics"
	"github.com/elixirlabs/chamber-gateway/internal/plc"
	"github.com/elixirlabs/chamber-gateway/internal/session"
	"github.com/elixirlabs/chamber-gateway/internal/signalmap"
	"github.com/elixirlabs/chamber-gateway/internal/storage"
	memorystore "github.com/elixirlabs/chamber-gateway/internal/storage/memory"
	"github.com/elixirlabs/chamber-gateway/internal/storage/mongodb"
	"github.com/elixirlabs/chamber-gateway/internal/websocket"
	"github.com/elixirlabs/chamber-gateway/pkg/config"
	"github.com/elixirlabs/chamber-gateway/pkg/logging"
)

var configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	// Local development convenience; a missing .env is not an error
	_ = godotenv.Load()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting chamber gateway",
		zap.String("plc_mode", cfg.PLC.Mode),
		zap.String("storage", cfg.Storage.Type),
	)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Session history storage
	var store storage.Store
	switch cfg.Storage.Type {
	case "mongodb":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		store, err = mongodb.NewStore(ctx, &cfg.Storage.MongoDB)
		cancel()
		if err != nil {
			logger.Fatal("Failed to initialize mongodb storage", zap.Error(err))
		}
	default:
		store = memorystore.NewStore()
	}
	defer func() { _ = store.Close() }()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		pingCancel()
		logger.Fatal("Failed to ping storage", zap.Error(err))
	}
	pingCancel()

	// Signal map
	source := signalmap.FileSource{Path: cfg.SignalMap.Path}
	registry := signalmap.NewRegistry(logger)
	raw, err := source.LoadSignalMap()
	if err != nil {
		logger.Fatal("Failed to read signal map", zap.Error(err))
	}
	if err := registry.Load(raw); err != nil {
		logger.Fatal("Failed to load signal map", zap.Error(err))
	}

	// Controller link
	var transport plc.Transport
	switch cfg.PLC.Mode {
	case "sim":
		transport = plc.NewSimTransport()
	case "tcp":
		logger.Fatal("tcp transport driver is not bundled; run with plc.mode=sim")
	}

	sink := metrics.NewPromSink()
	adapter := plc.NewAdapter(transport, plc.Options{
		Endpoint:         cfg.PLC.Endpoint,
		ConnectTimeout:   time.Duration(cfg.PLC.ConnectTimeout) * time.Second,
		CallTimeout:      time.Duration(cfg.PLC.CallTimeoutMS) * time.Millisecond,
		ReconnectInitial: time.Duration(cfg.PLC.ReconnectInitialMS) * time.Millisecond,
		ReconnectMax:     time.Duration(cfg.PLC.ReconnectMaxMS) * time.Millisecond,
	}, logger, sink)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go adapter.RunSupervisor(runCtx)

	// Broadcast engine
	engine, err := broadcast.NewEngine(registry, adapter,
		broadcast.SpecsFromConfig(cfg.Broadcast.Channels),
		cfg.Broadcast.QueueSize, logger, sink)
	if err != nil {
		logger.Fatal("Failed to build broadcast engine", zap.Error(err))
	}
	go engine.Run(runCtx)

	dispatcher := command.NewDispatcher(registry, adapter,
		time.Duration(cfg.Command.VerifyIntervalMS)*time.Millisecond, logger, sink)

	// Session history
	sessions := session.NewService(store, logger)
	collectorSignals := make([]session.Ref, 0, len(cfg.Collector.Signals))
	for _, s := range cfg.Collector.Signals {
		collectorSignals = append(collectorSignals, session.Ref{Category: s.Category, Name: s.Name})
	}
	collector := session.NewCollector(sessions, registry, adapter, collectorSignals,
		time.Duration(cfg.Collector.IntervalSeconds)*time.Second, logger)
	go collector.Run(runCtx)

	wsManager := websocket.NewManager(engine, logger)
	handlers := api.NewHandlers(registry, dispatcher, adapter, sessions, source, cfg, logger)
	router := api.NewRouter(handlers, wsManager, sink.Handler(), cfg, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server listening", zap.String("address", cfg.Server.Address()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	runCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	if err := adapter.Close(); err != nil {
		logger.Warn("Failed to close controller link", zap.Error(err))
	}

	logger.Info("Gateway exited")
}
