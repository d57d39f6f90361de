package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/dinox-gateway/internal/auth"
	"github.com/example/dinox-gateway/internal/config"
	"github.com/example/dinox-gateway/internal/dinox"
	"github.com/example/dinox-gateway/internal/grpcserver"
	"github.com/example/dinox-gateway/internal/handlers"
	"github.com/example/dinox-gateway/internal/logging"
	"github.com/example/dinox-gateway/internal/repository"
	"github.com/example/dinox-gateway/internal/usecase"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if cfg.DinoXToken == "" {
		logger.Warn("DINOX_API_TOKEN is not set; every task will fail with a configuration error")
	} else {
		logger.Info("DINO-X token configured", zap.String("token", logging.MaskSecret(cfg.DinoXToken)))
	}

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewDetectionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)

	client := dinox.NewClient(dinox.Options{
		Token:        cfg.DinoXToken,
		BaseURL:      cfg.DinoXBaseURL,
		Model:        cfg.DinoXModel,
		PollAttempts: cfg.DinoXPollAttempts,
		PollInterval: cfg.DinoXPollInterval,
		HTTPClient:   &http.Client{Timeout: cfg.DinoXHTTPTimeout},
	}, logger)

	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewDetectionUseCase(repo, cache, client, cfg.DinoXFailOpen, logger)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, uc, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience), promhttp.Handler())

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen for gRPC", zap.Error(err), zap.String("addr", cfg.GRPCAddr))
	}
	healthServer := grpcserver.NewHealthServer(logger)
	go func() {
		if err := healthServer.Serve(grpcListener); err != nil {
			logger.Error("gRPC health server failed", zap.Error(err))
		}
	}()
	healthServer.SetServing(true)
	defer healthServer.Stop()

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("DINO-X gateway listening", zap.String("addr", cfg.HTTPAddr), zap.Bool("fail_open", cfg.DinoXFailOpen))
	if err := serveHTTPServerWithOptions(server, 15*time.Second, logger, nil, nil, func() { healthServer.SetServing(false) }); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// serveHTTPServerWithOptions serves until the server fails or a shutdown
// signal arrives. A nil listener uses server.Addr; a nil signalCh listens
// for SIGINT and SIGTERM. onShutdown runs before draining connections.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal, onShutdown func()) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		if onShutdown != nil {
			onShutdown()
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
