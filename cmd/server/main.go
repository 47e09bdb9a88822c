package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/verbfy/lesson-rtc/internal/access"
	"github.com/verbfy/lesson-rtc/internal/app"
	"github.com/verbfy/lesson-rtc/internal/config"
	"github.com/verbfy/lesson-rtc/internal/database"
	"github.com/verbfy/lesson-rtc/internal/handler"
	"github.com/verbfy/lesson-rtc/internal/livekit"
	"github.com/verbfy/lesson-rtc/internal/middleware"
	"github.com/verbfy/lesson-rtc/internal/queue"
	"github.com/verbfy/lesson-rtc/internal/repository"
	"github.com/verbfy/lesson-rtc/internal/router"
	"github.com/verbfy/lesson-rtc/internal/signaling"
)

func main() {
	cfg := config.Load()
	logger, err := app.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, database.Options{
		User: cfg.DBUser, Pass: cfg.DBPass, Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName,
	})
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer db.Close()

	migrator, err := database.NewMigrator(db, logger)
	if err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}
	if err := migrator.Run(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	// Redis is optional: without it the limiter and the cache step aside.
	var rdb *redis.Client
	if c, err := config.NewRedisClient(config.LoadRedisConfig()); err != nil {
		logger.Warn("redis unavailable, rate limiting and reservation cache disabled", zap.Error(err))
	} else {
		rdb = c
		defer rdb.Close()
	}

	reservations := repository.NewCachedReservations(
		repository.NewReservationRepo(db), rdb, config.LoadCacheConfig(), logger)
	users := repository.NewUserRepo(db)
	tokens := repository.NewTokenRepo(db)

	policy := access.NewPolicy(reservations, cfg.StudentJoinWindow(), access.WithLocation(cfg.LessonLocation))

	lkCfg := livekit.Config{
		Cloud:    livekit.Credentials(cfg.LiveKitCloud),
		Self:     livekit.Credentials(cfg.LiveKitSelf),
		TokenTTL: cfg.LiveKitTokenTTL,
	}
	warnIncomplete(logger, lkCfg)

	publisher := queue.NewPublisher(cfg.RabbitMQURL, logger)
	consumer := queue.NewConsumer(cfg.RabbitMQURL, reservations, logger.Named("lesson-consumer"))
	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("lesson consumer stopped", zap.Error(err))
		}
	}()

	hub := signaling.NewHub(policy, logger.Named("signaling"), signaling.Options{
		PingInterval: cfg.SignalingPing,
		SendBuffer:   cfg.SignalingBuffer,
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewValidator()
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(logger))

	router.RegisterRoutes(e)
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, users, tokens, logger), cfg.JWTSecret)
	router.RegisterLiveKit(e,
		handler.NewLiveKitHandler(policy, livekit.NewIssuer(lkCfg), users, logger),
		handler.NewWebhookHandler(livekit.NewVerifier(lkCfg), publisher, logger),
		cfg.JWTSecret,
		middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, logger),
	)
	router.RegisterSignaling(e, handler.NewSignalingHandler(hub, cfg.SignalingOrigins, logger), cfg.JWTSecret)

	addr := ":" + cfg.Port
	go func() {
		logger.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	hub.Shutdown()
}

func warnIncomplete(logger *zap.Logger, cfg livekit.Config) {
	for _, d := range []struct {
		name  string
		creds livekit.Credentials
	}{{livekit.Deployment(true), cfg.Cloud}, {livekit.Deployment(false), cfg.Self}} {
		if d.creds.APIKey == "" || d.creds.APISecret == "" {
			logger.Warn("livekit deployment not configured; token requests routed to it will fail",
				zap.String("deployment", d.name))
		}
	}
}
