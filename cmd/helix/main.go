package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/helixtrade/helix/internal/alerting"
	"github.com/helixtrade/helix/internal/bus"
	"github.com/helixtrade/helix/internal/config"
	"github.com/helixtrade/helix/internal/exchange"
	"github.com/helixtrade/helix/internal/execution"
	"github.com/helixtrade/helix/internal/reconciler"
	"github.com/helixtrade/helix/internal/risk"
	"github.com/helixtrade/helix/internal/server"
	"github.com/helixtrade/helix/internal/store"
	"github.com/helixtrade/helix/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to the YAML configuration file")
		services   = flag.String("services", "all", "comma-separated services to run: risk, execution, reconciler, admin, or all")
	)
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfgPath := *configPath
	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
		zapLogger.Warn("Config file not found, using defaults and environment",
			zap.String("path", cfgPath))
		cfgPath = ""
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to open store", zap.Error(err))
	}

	eventBus, err := bus.New(ctx, cfg.Bus, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	adapter, err := exchange.New(cfg.Exchange)
	if err != nil {
		zapLogger.Fatal("Failed to build exchange adapter", zap.Error(err))
	}

	alerts := alerting.New(eventBus, cfg.Bus.Streams, logger.Named(zapLogger, "alerting"))

	engine := execution.NewEngine(st, eventBus, cfg.Bus.Streams, adapter, alerts,
		cfg.Execution, cfg.App.DryRun, logger.Named(zapLogger, "execution"))
	gate := risk.NewGate(cfg.Risk, st, nil, nil, logger.Named(zapLogger, "risk"))
	riskSvc := risk.NewService(gate, st, eventBus, cfg.Bus.Streams, adapter, alerts,
		engine, cfg.Risk.SnapshotInterval, logger.Named(zapLogger, "risk"))
	recon := reconciler.New(st, adapter, engine, alerts,
		cfg.Reconciliation, logger.Named(zapLogger, "reconciler"))
	admin := server.New(st, engine, alerts, cfg.Admin, logger.Named(zapLogger, "admin"))

	registry := map[string]func(context.Context) error{
		"risk":       riskSvc.Run,
		"execution":  engine.Run,
		"reconciler": recon.Run,
		"admin":      admin.Run,
	}

	selected := strings.Split(*services, ",")
	if *services == "all" {
		selected = []string{"risk", "execution", "reconciler", "admin"}
	}

	errCh := make(chan error, len(selected))
	started := 0
	for _, name := range selected {
		name = strings.TrimSpace(name)
		run, ok := registry[name]
		if !ok {
			zapLogger.Fatal("Unknown service", zap.String("service", name))
		}
		zapLogger.Info("Starting service", zap.String("service", name),
			zap.Bool("dry_run", cfg.App.DryRun))
		started++
		go func(name string, run func(context.Context) error) {
			if err := run(ctx); err != nil && !isShutdown(err) {
				zapLogger.Error("Service stopped with error",
					zap.String("service", name), zap.Error(err))
				errCh <- err
				return
			}
			errCh <- nil
		}(name, run)
	}

	drained := 0
	select {
	case <-ctx.Done():
		zapLogger.Info("Shutdown signal received")
	case err := <-errCh:
		drained++
		if err != nil {
			zapLogger.Error("Shutting down after service failure", zap.Error(err))
		}
		stop()
	}

	for ; drained < started; drained++ {
		<-errCh
	}
	zapLogger.Info("Shutdown complete")
}

func isShutdown(err error) bool {
	return err == nil || err == context.Canceled
}
