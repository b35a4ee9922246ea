package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/campuskit/approval-api/api/swagger"
	"github.com/campuskit/approval-api/internal/handler"
	"github.com/campuskit/approval-api/internal/middleware"
	"github.com/campuskit/approval-api/internal/models"
	"github.com/campuskit/approval-api/internal/repository"
	"github.com/campuskit/approval-api/internal/service"
	"github.com/campuskit/approval-api/pkg/cache"
	"github.com/campuskit/approval-api/pkg/config"
	"github.com/campuskit/approval-api/pkg/database"
	"github.com/campuskit/approval-api/pkg/logger"
	corsmiddleware "github.com/campuskit/approval-api/pkg/middleware/cors"
	reqidmiddleware "github.com/campuskit/approval-api/pkg/middleware/requestid"
)

// @title Campus Approval API
// @version 1.0.0
// @description Multi-step approval workflow engine for campus resource reservations
// @BasePath /api/v1
// @schemes http https
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

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	// Repositories.
	flowRepo := repository.NewApprovalFlowRepository(db)
	requestRepo := repository.NewApprovalRequestRepository(db)
	auditRepo := repository.NewApprovalAuditRepository(db)
	userRepo := repository.NewUserRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	// Services.
	metricsSvc := service.NewMetricsService()
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Cache.DefaultTTL, logr, cfg.Cache.Enabled)

	dispatcher := service.NewNotificationDispatcher(cacheRepo, cfg.Audit.CriticalTopic,
		cfg.Audit.DispatchWorkers, cfg.Audit.DispatchRetries, logr)
	auditSvc := service.NewApprovalAuditService(auditRepo, dispatcher, metricsSvc, logr, cfg.Audit.ExportMaxEntries)
	dispatcher.BindSink(auditSvc)

	flowSvc := service.NewApprovalFlowService(flowRepo, cacheSvc, logr)
	enrichSvc := service.NewEnrichmentService(flowRepo, cacheSvc, logr)
	requestSvc := service.NewApprovalRequestService(
		requestRepo, flowRepo, auditSvc, enrichSvc, flowSvc, cacheSvc, metricsSvc, logr,
		cfg.Approvals.AutoApprove)
	reminderSvc := service.NewReminderService(requestSvc, cacheRepo, cfg.Reminders, cfg.Audit.ReminderTopic, logr)

	authSvc := service.NewAuthService(userRepo, validator.New(), logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "approval-api",
	})

	// Background workers.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)
	defer dispatcher.Stop()
	reminderSvc.Start()
	defer reminderSvc.Stop()

	// Handlers.
	authHandler := handler.NewAuthHandler(authSvc)
	flowHandler := handler.NewApprovalFlowHandler(flowSvc)
	requestHandler := handler.NewApprovalRequestHandler(requestSvc)
	auditHandler := handler.NewAuditHandler(auditSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, db, redisClient)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
		auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	}

	protected := api.Group("")
	protected.Use(middleware.JWT(authSvc))

	flows := protected.Group("/approval-flows")
	{
		flows.GET("", flowHandler.List)
		flows.GET("/resolve", flowHandler.Resolve)
		flows.GET("/:id", flowHandler.Get)
		flows.POST("", middleware.RequireRoles(), flowHandler.Create)
		flows.PUT("/:id", middleware.RequireRoles(), flowHandler.Update)
		flows.POST("/:id/deactivate", middleware.RequireRoles(), flowHandler.Deactivate)
		flows.DELETE("/:id", middleware.RequireRoles(), flowHandler.Delete)
	}

	requests := protected.Group("/approval-requests")
	{
		requests.POST("", requestHandler.Create)
		requests.GET("", requestHandler.List)
		requests.GET("/statistics", requestHandler.Statistics)
		requests.GET("/active-today", requestHandler.ActiveToday)
		requests.GET("/:id", requestHandler.Get)
		requests.POST("/:id/approve", middleware.RequireRoles(models.RoleApprover), requestHandler.Approve)
		requests.POST("/:id/reject", middleware.RequireRoles(models.RoleApprover), requestHandler.Reject)
		requests.POST("/:id/cancel", requestHandler.Cancel)
		requests.DELETE("/:id", middleware.RequireRoles(), requestHandler.Delete)
		requests.GET("/:id/audit", auditHandler.Trail)
		requests.GET("/:id/audit/verify", auditHandler.Verify)
	}

	audit := protected.Group("/audit", middleware.RequireRoles())
	{
		audit.GET("/actors/:actorId", auditHandler.ByActor)
		audit.GET("/statistics", auditHandler.Statistics)
		audit.GET("/export", auditHandler.Export)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
