package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/auth"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/auth/keys"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/auth/token"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/gateway"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/outbox"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/saga"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/config"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/database"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/logger"
	pkgredis "github.com/DimitryIvaniuta/order-platform-sub001/pkg/redis"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger.Init(cfg.App.LogLevel)
	appLog := logger.New(cfg.App.LogLevel, "gateway")
	defer appLog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, &cfg.OTel, cfg.App.Version)
	if err != nil {
		appLog.Warn("telemetry init failed", zap.Error(err))
	} else {
		defer tel.Shutdown(context.Background())
	}

	// The gateway writes the saga row and the outbound command into the
	// order database; the order service's publisher drains them.
	orderDB, err := database.Connect(ctx, &cfg.OrderDatabase, nil)
	if err != nil {
		appLog.Fatal("order database connection failed", zap.Error(err))
	}
	defer orderDB.Close()

	authDB, err := database.Connect(ctx, &cfg.AuthDatabase, nil)
	if err != nil {
		appLog.Fatal("auth database connection failed", zap.Error(err))
	}
	defer authDB.Close()

	rdb, err := pkgredis.Connect(ctx, &cfg.Redis)
	if err != nil {
		appLog.Fatal("redis connection failed", zap.Error(err))
	}
	defer rdb.Close()

	keyManager, err := keys.NewManager(&cfg.JWT, appLog)
	if err != nil {
		appLog.Fatal("signing key bootstrap failed", zap.Error(err))
	}
	go keyManager.Run(ctx)

	issuer := token.NewIssuer(keyManager, &cfg.JWT)
	verifier := token.NewVerifier(keyManager, &cfg.JWT)
	mapper := token.NewMapper(&cfg.Authz)
	loginSvc := auth.NewService(auth.NewRepository(authDB), issuer, appLog)

	handler := gateway.NewHandler(
		orderDB,
		saga.NewStore(orderDB),
		outbox.NewStore(orderDB),
		loginSvc,
		keyManager,
		cfg,
		orderDB.HealthCheck,
		appLog,
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), gateway.CorrelationID(), gateway.RequestLogger(appLog))
	handler.Register(router,
		gateway.Authenticate(verifier, mapper),
		gateway.Idempotency(rdb.Client(), gateway.IdempotencyOptions{}),
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		appLog.Info("gateway listening", zap.String("addr", addr))
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
	appLog.Info("gateway exited")
}
