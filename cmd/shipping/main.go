package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/consumer"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/idempotency"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/outbox"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/shipping"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/config"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/database"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/kafka"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/logger"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(cfg.App.LogLevel)
	appLog := logger.New(cfg.App.LogLevel, "shipping-service")
	defer appLog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, &cfg.OTel, cfg.App.Version)
	if err != nil {
		appLog.Warn("telemetry init failed", zap.Error(err))
	} else {
		defer tel.Shutdown(context.Background())
	}

	db, err := database.Connect(ctx, &cfg.ShippingDatabase, nil)
	if err != nil {
		appLog.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	outboxStore := outbox.NewStore(db)
	svc := shipping.NewService(
		db,
		shipping.NewRepository(db),
		idempotency.NewLedger(db),
		outboxStore,
		shipping.NewFakeCarrier(0),
		cfg.Kafka.Topics,
		appLog,
	)

	source, err := kafka.NewConsumer(kafka.FromConfig(&cfg.Kafka, "shipping-service", []string{
		cfg.Kafka.Topics.PaymentEvents,
	}))
	if err != nil {
		appLog.Fatal("kafka consumer failed", zap.Error(err))
	}
	defer source.Close()

	producer, err := kafka.NewProducer(&cfg.Kafka)
	if err != nil {
		appLog.Fatal("kafka producer failed", zap.Error(err))
	}
	defer producer.Close()

	runtime := consumer.New("shipping", source, svc.Handle,
		consumer.Options{CommitInterval: cfg.Kafka.CommitInterval}, appLog)
	publisher := outbox.NewPublisher(outboxStore, producer, cfg.Outbox, appLog)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := runtime.Run(ctx); err != nil {
			appLog.Error("consumer stopped", zap.Error(err))
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		publisher.Run(ctx)
	}()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})
	router.GET("/ready", func(c *gin.Context) {
		if err := db.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		appLog.Info("shipping service listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	appLog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("server shutdown failed", zap.Error(err))
	}
	wg.Wait()
	appLog.Info("shipping service exited")
}
