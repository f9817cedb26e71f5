package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/fleetward/bustrack-api/api/swagger"
	"github.com/fleetward/bustrack-api/internal/consumer"
	"github.com/fleetward/bustrack-api/internal/handler"
	"github.com/fleetward/bustrack-api/internal/middleware"
	"github.com/fleetward/bustrack-api/internal/models"
	"github.com/fleetward/bustrack-api/internal/repository"
	"github.com/fleetward/bustrack-api/internal/service"
	"github.com/fleetward/bustrack-api/pkg/cache"
	"github.com/fleetward/bustrack-api/pkg/config"
	"github.com/fleetward/bustrack-api/pkg/database"
	"github.com/fleetward/bustrack-api/pkg/logger"
	corsmiddleware "github.com/fleetward/bustrack-api/pkg/middleware/cors"
	reqidmiddleware "github.com/fleetward/bustrack-api/pkg/middleware/requestid"
	"github.com/fleetward/bustrack-api/pkg/storage"
)

// @title BusTrack Ingestion API
// @version 1.0.0
// @description Location and attendance ingestion engine for school bus fleets
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Fatal("failed to connect redis", zap.Error(err))
	}
	defer redisClient.Close() //nolint:errcheck

	metricsSvc := service.NewMetricsService()
	validate := validator.New()

	// Repositories.
	tripRepo := repository.NewTripRepository(db)
	locationRepo := repository.NewLocationRepository(db)
	geofenceRepo := repository.NewGeofenceEventRepository(db)
	attendanceRepo := repository.NewAttendanceRepository(db)
	routeRepo := repository.NewRouteRepository(db)
	tagRepo := repository.NewTagRepository(db, redisClient, cfg.Ingest.TagCacheTTL, logr)
	deadLetterRepo := repository.NewDeadLetterRepository(redisClient)
	deviceRepo := repository.NewDeviceRepository(db)

	// Engine components.
	correlator := service.NewTripCorrelator(tripRepo, service.CorrelatorConfig{
		GracePeriod:  cfg.Ingest.GracePeriod,
		IdleTimeout:  cfg.Ingest.IdleTimeout,
		AutoComplete: cfg.Ingest.AutoComplete,
	}, metricsSvc, logr)
	geofenceEval := service.NewGeofenceEvaluator(cfg.Ingest.HysteresisFactor)
	attendanceMachine := service.NewAttendanceMachine(attendanceRepo, routeRepo, cfg.Ingest.DuplicateScanWait, metricsSvc, logr)
	dispatcher := service.NewLogAlertDispatcher(metricsSvc, logr)

	engine := service.NewIngestEngine(service.IngestConfig{
		StalenessThreshold: cfg.Ingest.StalenessThreshold,
		ReorderFlushEvery:  cfg.Ingest.ReorderFlushEvery,
		WorkerShards:       cfg.Ingest.WorkerShards,
		WorkerBuffer:       cfg.Ingest.WorkerBuffer,
		PersistTimeout:     cfg.Ingest.PersistTimeout,
		PersistRetries:     cfg.Ingest.PersistRetries,
		RetryBackoff:       cfg.Ingest.RetryBackoff,
		DispatchTimeout:    cfg.Ingest.DispatchTimeout,
	}, correlator, geofenceEval, attendanceMachine, dispatcher,
		locationRepo, geofenceRepo, routeRepo, tagRepo, deadLetterRepo, metricsSvc, logr)

	// Services.
	tripSvc := service.NewTripService(tripRepo, locationRepo, geofenceRepo, attendanceRepo, correlator, geofenceEval, logr)
	authSvc := service.NewAuthService(deviceRepo, validate, logr, service.AuthConfig{
		Secret:     cfg.JWT.Secret,
		Expiration: cfg.JWT.Expiration,
		Issuer:     "bustrack-api",
	})

	var exportSvc *service.ExportService
	if cfg.Exports.Enabled {
		store, err := storage.NewLocalStorage(cfg.Exports.Dir)
		if err != nil {
			logr.Fatal("failed to init export storage", zap.Error(err))
		}
		signer := storage.NewManifestSigner(cfg.Exports.SignSecret, cfg.Exports.ResultTTL)
		exportSvc = service.NewExportService(tripRepo, attendanceRepo, routeRepo, store, signer, service.ExportConfig{
			APIPrefix: cfg.APIPrefix,
			MaxRows:   cfg.Exports.MaxRows,
			ResultTTL: cfg.Exports.ResultTTL,
		}, logr, nil, nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine.Start(ctx)
	defer engine.Stop()

	var natsConsumer *consumer.NATSConsumer
	if cfg.NATS.Enabled {
		natsConsumer, err = consumer.NewNATSConsumer(cfg.NATS, engine, logr)
		if err != nil {
			logr.Fatal("failed to connect nats", zap.Error(err))
		}
		if err := natsConsumer.Start(); err != nil {
			logr.Fatal("failed to start nats consumer", zap.Error(err))
		}
		defer natsConsumer.Stop()
	}

	// Handlers.
	authHandler := handler.NewAuthHandler(authSvc)
	ingestHandler := handler.NewIngestHandler(engine)
	tripHandler := handler.NewTripHandler(tripSvc)
	attendanceHandler := handler.NewAttendanceHandler(tripSvc, attendanceMachine)
	deadLetterHandler := handler.NewDeadLetterHandler(deadLetterRepo)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	api.POST("/auth/device-token", authHandler.DeviceToken)

	authed := api.Group("")
	authed.Use(middleware.JWT(authSvc))

	ingest := authed.Group("/ingest")
	ingest.Use(middleware.RequireRoles(models.RoleDevice, models.RoleDriver, models.RoleAdmin))
	ingest.POST("/locations", ingestHandler.SubmitLocation)
	ingest.POST("/tag-scans", ingestHandler.SubmitTagScan)
	ingest.POST("/tag-scans/batch", ingestHandler.SubmitTagScanBatch)
	ingest.POST("/emergency", ingestHandler.RaiseEmergency)

	trips := authed.Group("/trips")
	trips.GET("", tripHandler.List)
	trips.GET("/:id", tripHandler.Get)
	trips.GET("/:id/track", tripHandler.Track)
	trips.GET("/:id/geofence-events", tripHandler.GeofenceLog)
	trips.GET("/:id/attendance", attendanceHandler.ListByTrip)
	trips.POST("", middleware.RequireRoles(models.RoleAdmin, models.RoleStaff), tripHandler.Schedule)
	trips.POST("/:id/start", middleware.RequireRoles(models.RoleAdmin, models.RoleDriver), tripHandler.Start)
	trips.POST("/:id/complete", middleware.RequireRoles(models.RoleAdmin, models.RoleDriver), tripHandler.Complete)
	trips.POST("/:id/cancel", middleware.RequireRoles(models.RoleAdmin, models.RoleStaff), tripHandler.Cancel)
	trips.POST("/:id/attendance/:studentId/absent", middleware.RequireRoles(models.RoleAdmin, models.RoleStaff), attendanceHandler.MarkAbsent)

	authed.GET("/buses/:id/snapshot", tripHandler.Snapshot)

	if exportSvc != nil {
		exportHandler := handler.NewExportHandler(exportSvc)
		trips.POST("/:id/manifest", middleware.RequireRoles(models.RoleAdmin, models.RoleStaff), exportHandler.Generate)
		api.GET("/exports/:token", exportHandler.Download)
	}

	ops := authed.Group("/ops")
	ops.Use(middleware.RequireRoles(models.RoleAdmin))
	ops.GET("/dead-letter", deadLetterHandler.Inspect)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Info("server starting", zap.String("addr", addr), zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Error("server shutdown failed", zap.Error(err))
	}
}
