package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"fleet-hos-engine/config"
	"fleet-hos-engine/internal/api"
	"fleet-hos-engine/internal/conflict"
	"fleet-hos-engine/internal/connectivity"
	"fleet-hos-engine/internal/db"
	"fleet-hos-engine/internal/dutystate"
	"fleet-hos-engine/internal/eventlog"
	"fleet-hos-engine/internal/hos"
	"fleet-hos-engine/internal/notify"
	"fleet-hos-engine/internal/syncq"
	"fleet-hos-engine/internal/telemetry"
)

func main() {
	logger := log.New(os.Stdout, "hosd ", log.LstdFlags)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded successfully from %s", configPath)

	profile, err := hos.ProfileByName(cfg.HOS.Profile)
	if err != nil {
		logger.Fatalf("invalid hos profile %q: %v", cfg.HOS.Profile, err)
	}

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	logger.Println("database initialized successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := eventlog.NewGormStore(gormDB)
	logger.Println("event log initialized")

	// Driver alerts go over web push when VAPID keys are configured;
	// otherwise they fall back to the process log.
	var sink notify.Sink = notify.LogSink{}
	var webpushOptions *webpush.Options
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notify.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions)
		pool.Start(ctx)
		sink = pool
		logger.Printf("push notification pool started with %d workers", cfg.WorkerPool.Size)
	} else {
		logger.Println("VAPID keys not configured; driver alerts will be logged only")
	}

	registry := dutystate.NewRegistry(store, profile, cfg.HOS.HomeTerminalTimezone, sink, dutystate.Config{
		SpeedThresholdMPH: cfg.Telemetry.SpeedThresholdMPH,
		Debounce:          cfg.Telemetry.DebounceWindow,
		MinConfidence:     cfg.Telemetry.MinConfidence,
	})

	monitor := connectivity.NewMonitor(&cfg.Connectivity)
	go monitor.Run(ctx)

	transport := syncq.NewHTTPTransport(&cfg.Sync)
	manager := syncq.NewManager(gormDB, store, transport, monitor, sink, &cfg.Sync)
	go manager.Run(ctx)

	resolver := conflict.NewResolver(gormDB, transport, manager, monitor, sink, time.Minute)
	go resolver.Run(ctx)

	compactor := eventlog.NewCompactor(store, cfg.Retention.RetentionDays, cfg.Retention.CompactionIntervalHours)
	go compactor.Run(ctx)

	if cfg.Telemetry.Poller.Enabled {
		poller := telemetry.NewPoller(&cfg.Telemetry.Poller, registry)
		go poller.Run(ctx)
		logger.Printf("telemetry poller started against %s", cfg.Telemetry.Poller.URL)
	}

	router := api.NewRouter(&cfg.Server, registry, store, manager, resolver, webpushOptions)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Println("Shutdown signal received, stopping services...")

	// Background workers stop at their next batch boundary; pending queue
	// items resume from the last acknowledged checkpoint on restart.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("HTTP server Shutdown: %v", err)
	}

	logger.Println("Server gracefully stopped")
}
