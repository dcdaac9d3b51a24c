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

	"devicehub-backend/config"
	"devicehub-backend/internal/api"
	"devicehub-backend/internal/auth"
	"devicehub-backend/internal/connectivity"
	"devicehub-backend/internal/db"
	"devicehub-backend/internal/engine"
	"devicehub-backend/internal/maintenance"
	"devicehub-backend/internal/mw"
	"devicehub-backend/internal/notification"
	"devicehub-backend/internal/store"
)

func main() {
	logger := log.New(os.Stdout, "devicehub ", log.LstdFlags)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded successfully from %s", configPath)

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		logger.Fatalf("invalid auth configuration: %v", err)
	}

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	logger.Println("database initialized successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)

	// Both notification channels are optional; with neither, events are discarded.
	var webpushOptions *webpush.Options
	var dispatchers notification.Multi
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions)
		pool.Start(ctx)
		dispatchers = append(dispatchers, pool)
	} else {
		logger.Println("VAPID keys are not configured; push notifications are disabled")
	}
	if cfg.MQTT.Enabled {
		publisher, err := notification.ConnectMQTT(cfg.MQTT)
		if err != nil {
			logger.Fatalf("failed to connect to MQTT broker: %v", err)
		}
		publisher.Start(ctx)
		dispatchers = append(dispatchers, publisher)
	}

	var notifier engine.Notifier
	if len(dispatchers) > 0 {
		notifier = dispatchers
	}
	eng := engine.New(appStore, notifier)

	connManager := connectivity.NewManager(cfg.Connectivity, appStore, connectivity.PingProber{Timeout: cfg.Connectivity.PingTimeout})
	go connManager.Run(ctx)

	scheduler, err := maintenance.NewScheduler(cfg.Maintenance, eng)
	if err != nil {
		logger.Fatalf("invalid maintenance configuration: %v", err)
	}
	responses := mw.NewResponseCache(time.Duration(cfg.Server.CacheTTLSeconds) * time.Second)
	scheduler.OnPass(responses.Flush)
	go scheduler.Run(ctx)

	handler := api.NewHandler(appStore, eng, connManager, webpushOptions)
	router := api.NewRouter(handler, verifier, cfg.Server, responses)
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
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("HTTP server Shutdown: %v", err)
	}

	logger.Println("Server gracefully stopped")
}
