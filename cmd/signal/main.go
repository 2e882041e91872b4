// The signal binary runs the rendezvous relay: a websocket endpoint that
// pairs two peers per room and forwards their negotiation envelopes, plus
// a small REST surface for tokens, room inspection and health.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"peerwire/internal/core/services"
	httphandlers "peerwire/internal/handlers/http"
	backupinfra "peerwire/internal/infrastructure/backup"
	"peerwire/internal/infrastructure/distributed"
	"peerwire/internal/infrastructure/loadbalancer"
	"peerwire/internal/infrastructure/middleware"
	"peerwire/internal/infrastructure/monitoring"
	"peerwire/internal/infrastructure/repositories"
	signalrelay "peerwire/internal/infrastructure/signal"
	"peerwire/pkg/backup"
	"peerwire/pkg/config"
	pkgdistributed "peerwire/pkg/distributed"
	"peerwire/pkg/logger"
	"peerwire/pkg/tracing"
	"peerwire/pkg/utils"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if cfg.Tracing.Enabled {
		tp, err := tracing.Init(tracing.Config{
			Enabled:     true,
			ServiceName: cfg.Tracing.ServiceName,
			JaegerURL:   cfg.Tracing.JaegerURL,
			Environment: cfg.Tracing.Environment,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			log.Warnw("failed to initialize tracing", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				tp.Shutdown(ctx)
			}()
		}
	}

	factory, err := repositories.NewFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer factory.Close()

	roomRepo := factory.CreateRoomRepository()
	rooms := services.NewRoomService(roomRepo, cfg.Signal.RoomCapacity, zapLogger)
	tokens := services.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	var metrics *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
	}

	health := monitoring.NewHealthChecker()
	health.AddRepositoryCheck(roomRepo, 2*time.Second)
	if client := factory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 2*time.Second)
	}

	// A typed nil pointer would defeat the relay's nil recorder check.
	var recorder signalrelay.MetricsRecorder
	if metrics != nil {
		recorder = metrics
	}
	relay := signalrelay.NewRelayServer(rooms, tokens, cfg, recorder, log)

	// Distributed coordination only exists with a shared redis.
	var director *loadbalancer.RoomDirector
	if client := factory.RedisClient(); client != nil {
		instanceID := utils.GenerateID("instance")

		registry := distributed.NewInstanceRegistry(client, instanceID, cfg.Signal.Address, log)
		if err := registry.Start(context.Background()); err != nil {
			log.Warnw("failed to register instance", "error", err)
		} else {
			defer registry.Stop(context.Background())
			director = loadbalancer.NewRoomDirector(registry)
		}

		events := distributed.NewEventBus(client, instanceID, log)
		defer events.Close()
		relay.SetEventBus(events)

		go func() {
			err := events.Subscribe(context.Background(), func(ev *distributed.Event) error {
				log.Debugw("remote room event",
					"type", ev.Type,
					"room_id", ev.RoomID,
					"peer_id", ev.PeerID,
					"instance", ev.InstanceID,
				)
				return nil
			})
			if err != nil && err != context.Canceled {
				log.Warnw("event subscription ended", "error", err)
			}
		}()
	}

	if cfg.Backup.Enabled {
		storage, err := backup.NewFileStorage(cfg.Backup.Directory)
		if err != nil {
			log.Fatalw("failed to open snapshot storage", "error", err)
		}
		snapshots := backup.NewService(storage, "1")

		restore := backupinfra.NewRestoreService(snapshots, roomRepo, log)
		if err := restore.RestoreLatest(context.Background(), backupinfra.RestoreOptions{}); err != nil {
			log.Warnw("failed to restore room state", "error", err)
		}

		var locks *pkgdistributed.LockManager
		if client := factory.RedisClient(); client != nil {
			locks = pkgdistributed.NewLockManager(client, "")
		}
		scheduler := backupinfra.NewScheduler(snapshots, roomRepo, locks, backupinfra.Config{
			Interval:  cfg.Backup.Interval,
			Retention: cfg.Backup.Retention,
		}, log)
		go scheduler.Start(context.Background())
		defer scheduler.Stop()
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	httphandlers.NewTokenHandler(tokens, cfg.Auth.TokenTTL).SetupRoutes(router)
	var apiMiddleware []gin.HandlerFunc
	if cfg.Auth.Enabled {
		apiMiddleware = append(apiMiddleware, middleware.AuthMiddleware(tokens))
	}
	httphandlers.NewRoomHandler(rooms, director, metrics, health).SetupRoutes(router, apiMiddleware...)
	router.GET("/ws", gin.WrapF(relay.HandleWebSocket))

	if cfg.Monitoring.PrometheusEnabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort)
			log.Infow("metrics endpoint listening", "address", addr)
			if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
				log.Warnw("metrics endpoint stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: router,
	}

	go func() {
		log.Infow("relay listening", "address", cfg.Signal.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("relay server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("forced shutdown", "error", err)
	}
}
