package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/vinylpress/presale/internal/api"
	"github.com/vinylpress/presale/internal/cache"
	"github.com/vinylpress/presale/internal/capture"
	"github.com/vinylpress/presale/internal/checkout"
	"github.com/vinylpress/presale/internal/config"
	"github.com/vinylpress/presale/internal/gateway"
	"github.com/vinylpress/presale/internal/notifier"
	"github.com/vinylpress/presale/internal/reaper"
	"github.com/vinylpress/presale/internal/repository"
	"github.com/vinylpress/presale/internal/webhook"
)

func main() {
	log.Println("presale-service starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	creds := &repository.Credentials{
		Host:              cfg.DBHost,
		Port:              cfg.DBPort,
		User:              cfg.DBUser,
		Password:          cfg.DBPassword,
		DBName:            cfg.DBName,
		MigrationsDirPath: cfg.MigrationsPath,
	}

	repo, err := repository.NewRepository(creds)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer repo.Close()

	if err := repo.RunMigrations(creds); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Database migrations completed")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	thresholdCache := cache.NewRedisCache(redisClient)

	gw := gateway.NewBreakerGateway(gateway.NewHTTPGateway(cfg.GatewayAddr, cfg.RequestTimeout))
	log.Printf("Payment gateway adapter pointed at %s", cfg.GatewayAddr)

	fees := checkout.NewFeeCalculator(cfg.FeeBasisPoints)
	checkoutService := checkout.NewService(repo, gw, fees, thresholdCache)

	orchestrator := capture.NewOrchestrator(repo, gw, capture.Policy{
		MaxAttempts: cfg.MaxCaptureAttempts,
		Window:      cfg.CaptureWindow,
		RetryDelay:  cfg.CaptureRetryDelay,
		Lease:       cfg.AttemptLease,
	})
	scheduler := capture.NewScheduler(orchestrator, repo, cfg.SchedulerTick)
	expiryReaper := reaper.NewReaper(repo, gw, cfg.ReaperTick)
	outboxPoller := notifier.NewOutboxPoller(repo, cfg.KafkaBrokers...)

	webhookHandler := webhook.NewHandler(checkoutService, repo, fees)
	apiHandler := api.NewHandler(checkoutService, repo, thresholdCache, cfg.RequestTimeout)
	router := api.NewRouter(apiHandler, webhookHandler.HandleEvent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go scheduler.Run(ctx)
	go expiryReaper.Run(ctx)
	go outboxPoller.Run(ctx)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler: router,
	}

	go func() {
		log.Printf("Presale service listening on :%s", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to serve: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down presale service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}

	log.Println("Presale service stopped")
}
