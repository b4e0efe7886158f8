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

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/edutier-api/api/swagger"
	"github.com/noah-isme/edutier-api/internal/handler"
	internalmiddleware "github.com/noah-isme/edutier-api/internal/middleware"
	"github.com/noah-isme/edutier-api/internal/models"
	"github.com/noah-isme/edutier-api/internal/repository"
	"github.com/noah-isme/edutier-api/internal/service"
	"github.com/noah-isme/edutier-api/pkg/cache"
	"github.com/noah-isme/edutier-api/pkg/config"
	"github.com/noah-isme/edutier-api/pkg/database"
	"github.com/noah-isme/edutier-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/edutier-api/pkg/middleware/cors"
	"github.com/noah-isme/edutier-api/pkg/middleware/ratelimit"
	reqidmiddleware "github.com/noah-isme/edutier-api/pkg/middleware/requestid"
)

// @title EduTier API
// @version 1.0.0
// @description Tiered role hierarchy and capacity-guarded approval engine for institutions
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]handler.ReadinessCheck{}

	store, db, err := openStore(ctx, cfg, logr)
	if err != nil {
		logr.Fatal("failed to open store", zap.Error(err))
	}
	if db != nil {
		defer db.Close()
		checks["postgres"] = db.PingContext
	}

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, continuing without cache and outbox", zap.Error(err))
	}
	var cacheRepo *repository.CacheRepository
	if redisClient != nil {
		defer redisClient.Close()
		cacheRepo = repository.NewCacheRepository(redisClient, logr)
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	metrics := service.NewMetricsService()
	engineCfg := service.EngineConfig{
		AllowResubmission:          cfg.Approvals.AllowResubmission,
		AllowInstitutionReopen:     cfg.Approvals.AllowInstitutionReopen,
		RequireVerifiedInstitution: cfg.Approvals.RequireVerifiedForElevation,
		StoreTimeout:               cfg.Store.Timeout,
	}

	var publisher service.EventPublisher
	if cfg.Notifications.Enabled {
		dispatcher := service.NewNotificationDispatcher(notificationSink(redisClient, cacheRepo, cfg, logr), metrics, logr,
			service.NotificationDispatcherConfig{
				Workers:    cfg.Notifications.Workers,
				BufferSize: cfg.Notifications.BufferSize,
				MaxRetries: cfg.Notifications.MaxRetries,
				RetryDelay: cfg.Notifications.RetryDelay,
			})
		dispatcher.Start(ctx)
		defer dispatcher.Stop()
		publisher = dispatcher
	}

	var countsCache *service.CacheService
	if cacheRepo != nil {
		countsCache = service.NewCacheService(cacheRepo, metrics, cfg.Cache.CountTTL, logr, cfg.Cache.Enabled)
	}

	engineOpts := []service.EngineOption{
		service.WithMetrics(metrics),
		service.WithEventPublisher(publisher),
		service.WithCountsCache(countsCache),
	}

	validate := validator.New()
	authSvc := service.NewAuthService(store, validate, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
		GatedRoles:        gatedRoles(cfg.Approvals.GatedRoles, logr),
		StoreTimeout:      cfg.Store.Timeout,
	}, service.WithAuthEventPublisher(publisher))
	approvalSvc := service.NewApprovalService(store, logr, engineCfg, engineOpts...)
	institutionSvc := service.NewInstitutionService(store, logr, engineCfg, models.InstitutionSettings{
		MaxAdmins:     cfg.Approvals.DefaultMaxAdmins,
		MaxModerators: cfg.Approvals.DefaultMaxModerators,
	}, engineOpts...)
	bulkSvc := service.NewBulkCoordinator(approvalSvc, service.BulkConfig{
		MaxItems:    cfg.Bulk.MaxItems,
		MaxParallel: cfg.Bulk.MaxParallel,
	}, logr)
	exportSvc := service.NewExportService(approvalSvc, logr, nil, nil, 0)

	if err := authSvc.EnsurePlatformAdmin(ctx, cfg.Bootstrap.Email, cfg.Bootstrap.Password, cfg.Bootstrap.FullName); err != nil {
		logr.Fatal("failed to bootstrap platform administrator", zap.Error(err))
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metrics))

	var limiter gin.HandlerFunc
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst).Middleware()
	}

	handler.Routes{
		Auth:         handler.NewAuthHandler(authSvc, validate),
		Approvals:    handler.NewApprovalHandler(approvalSvc, bulkSvc, exportSvc, validate),
		Institutions: handler.NewInstitutionHandler(institutionSvc, approvalSvc, bulkSvc, validate),
		Metrics:      handler.NewMetricsHandler(metrics, checks),
		Resolver:     authSvc,
		Authorizer:   service.NewAuthorizer(),
		Audit:        store,
		Logger:       logr,
		RateLimit:    limiter,
	}.Register(r, cfg.APIPrefix)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config, logr *zap.Logger) (repository.ApprovalStore, *sqlx.DB, error) {
	if cfg.Store.Driver == config.StoreDriverMemory {
		logr.Warn("using in-memory store; data is lost on restart")
		return repository.NewMemoryStore(), nil, nil
	}
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return repository.NewPostgresStore(db), db, nil
}

func notificationSink(client *redis.Client, repo *repository.CacheRepository, cfg *config.Config, logr *zap.Logger) service.NotificationSink {
	if client == nil || repo == nil {
		return service.NewLogNotificationSink(logr)
	}
	return service.NewRedisNotificationSink(repo, cfg.Notifications.OutboxKey)
}

func gatedRoles(raw []string, logr *zap.Logger) []models.Role {
	roles := make([]models.Role, 0, len(raw))
	for _, value := range raw {
		role, err := models.ParseRole(value)
		if err != nil {
			logr.Warn("ignoring unknown gated role", zap.String("role", value))
			continue
		}
		roles = append(roles, role)
	}
	return roles
}
