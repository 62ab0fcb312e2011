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

	_ "github.com/noah-isme/carvalue-api/api/swagger"
	"github.com/noah-isme/carvalue-api/internal/handler"
	"github.com/noah-isme/carvalue-api/internal/middleware"
	"github.com/noah-isme/carvalue-api/internal/models"
	"github.com/noah-isme/carvalue-api/internal/repository"
	"github.com/noah-isme/carvalue-api/internal/service"
	"github.com/noah-isme/carvalue-api/pkg/cache"
	"github.com/noah-isme/carvalue-api/pkg/config"
	"github.com/noah-isme/carvalue-api/pkg/database"
	"github.com/noah-isme/carvalue-api/pkg/jobs"
	"github.com/noah-isme/carvalue-api/pkg/keys"
	"github.com/noah-isme/carvalue-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/carvalue-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/carvalue-api/pkg/middleware/requestid"
	"github.com/noah-isme/carvalue-api/pkg/password"
)

// @title CarValue API
// @version 1.0.0
// @description Authentication and session management
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

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(rootCtx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(rootCtx, db); err != nil {
			logr.Fatal("failed to apply migrations", zap.Error(err))
		}
	}

	redisClient, err := cache.NewRedis(rootCtx, cfg.AuthRedis)
	if err != nil {
		logr.Fatal("failed to connect auth redis", zap.Error(err))
	}
	defer redisClient.Close()

	jwtKeys, err := keys.NewRegistry(cfg.JWT.KeyID, cfg.JWT.Keys)
	if err != nil {
		logr.Fatal("invalid jwt keys", zap.Error(err))
	}
	rtKeys, err := keys.NewRegistry(cfg.RefreshToken.KeyID, cfg.RefreshToken.Keys)
	if err != nil {
		logr.Fatal("invalid refresh token keys", zap.Error(err))
	}

	hasher, err := password.NewHasher(password.Config{
		MemoryKB:    cfg.Password.MemoryKB,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
	})
	if err != nil {
		logr.Fatal("invalid password hashing config", zap.Error(err))
	}

	metricsSvc := service.NewMetricsService()

	userRepo := repository.NewUserRepository(db)
	tokenRepo := repository.NewRefreshTokenRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	revocationRepo := repository.NewRevocationRepository(redisClient)

	auditQueue := jobs.NewQueue("audit", service.AuditJobHandler(auditRepo), jobs.QueueConfig{
		Workers:    cfg.Audit.Workers,
		BufferSize: cfg.Audit.BufferSize,
		MaxRetries: 2,
		RetryDelay: time.Second,
		JobTimeout: 5 * time.Second,
		Logger:     logr,
	})
	auditQueue.Start(context.Background())
	auditSvc := service.NewAuditService(auditQueue, logr)

	revocationSvc := service.NewRevocationService(revocationRepo, service.RevocationConfig{
		KeyPrefix: cfg.Revocation.KeyPrefix,
		TTL:       cfg.Revocation.TTL,
	}, metricsSvc, logr)

	tokenSvc, err := service.NewRefreshTokenService(tokenRepo, revocationSvc, rtKeys, service.RefreshTokenConfig{
		Bytes:         cfg.RefreshToken.Bytes,
		TTL:           cfg.RefreshToken.TTL,
		HashAlgorithm: cfg.RefreshToken.HashAlgorithm,
	}, logr)
	if err != nil {
		logr.Fatal("failed to init refresh token store", zap.Error(err))
	}
	tokenSvc.WithMetrics(metricsSvc)

	issuer, err := service.NewTokenIssuer(jwtKeys, service.TokenIssuerConfig{
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
		TTL:      cfg.JWT.TTL,
	})
	if err != nil {
		logr.Fatal("failed to init token issuer", zap.Error(err))
	}
	verifier := service.NewAuthVerifier(issuer, revocationSvc, logr)

	authSvc, err := service.NewAuthService(userRepo, hasher, tokenSvc, revocationSvc, issuer, auditSvc, validator.New(), metricsSvc, logr)
	if err != nil {
		logr.Fatal("failed to init auth service", zap.Error(err))
	}

	authHandler := handler.NewAuthHandler(authSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, map[string]handler.Pinger{
		"postgres": userRepo,
		"redis":    revocationRepo,
	}, logr)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr, "/health", "/metrics"))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.Timeout(cfg.HTTP.RequestTimeout))

	auth := api.Group("/auth")
	auth.POST("/signup", authHandler.Signup)
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh-token", authHandler.RefreshToken)

	secured := auth.Group("")
	secured.Use(middleware.JWT(verifier))
	secured.POST("/logout", authHandler.Logout)
	secured.GET("/current-user", authHandler.CurrentUser)
	secured.DELETE("/users/:id/sessions", middleware.RBAC(string(models.RoleAdmin), middleware.RoleSelf), authHandler.RevokeSessions)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
		}
		close(serveErrCh)
	}()

	select {
	case <-rootCtx.Done():
		logr.Info("shutdown requested")
	case err := <-serveErrCh:
		if err != nil {
			logr.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("http shutdown incomplete", zap.Error(err))
	}

	auditQueue.Stop()
	logr.Info("server stopped")
}
