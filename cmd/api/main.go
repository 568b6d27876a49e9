package main

// @title DocVault Billing API
// @version 1.0
// @description Subscription, quota and dunning API for DocVault.

// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/jordanlanch/docvault/config"
	"github.com/jordanlanch/docvault/pkg/alert"
	"github.com/jordanlanch/docvault/pkg/api/errors"
	"github.com/jordanlanch/docvault/pkg/api/handlers"
	apimw "github.com/jordanlanch/docvault/pkg/api/middleware"
	"github.com/jordanlanch/docvault/pkg/auth"
	"github.com/jordanlanch/docvault/pkg/billing"
	"github.com/jordanlanch/docvault/pkg/cache"
	"github.com/jordanlanch/docvault/pkg/database"
	"github.com/jordanlanch/docvault/pkg/documents"
	"github.com/jordanlanch/docvault/pkg/dunning"
	"github.com/jordanlanch/docvault/pkg/entitlement"
	"github.com/jordanlanch/docvault/pkg/jobs"
	"github.com/jordanlanch/docvault/pkg/locks"
	"github.com/jordanlanch/docvault/pkg/logger"
	"github.com/jordanlanch/docvault/pkg/metrics"
	custommiddleware "github.com/jordanlanch/docvault/pkg/middleware"
	"github.com/jordanlanch/docvault/pkg/notify"
	"github.com/jordanlanch/docvault/pkg/quota"
	"github.com/jordanlanch/docvault/pkg/retention"
	"github.com/jordanlanch/docvault/pkg/secrets"
	"github.com/jordanlanch/docvault/pkg/subscription"
	"github.com/jordanlanch/docvault/pkg/webhook"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	// Load configuration
	cfg := config.Load()
	log := logger.New(cfg.LogLevel)
	errors.SetLogger(log)

	if err := loadSecrets(cfg, log); err != nil {
		log.Error("failed to load secrets", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "environment", cfg.APIEnvironment)

	// Initialize Sentry for error tracking
	var alerter alert.Alerter = alert.NewLogAlerter(log)
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			TracesSampleRate: 0.2,
			AttachStacktrace: true,
		})
		if err != nil {
			log.Warn("failed to initialize Sentry", "error", err)
		} else {
			log.Info("Sentry initialized", "environment", cfg.SentryEnvironment)
			alerter = alert.NewSentryAlerter(nil, log)
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Info("Sentry disabled (no DSN configured)")
	}

	// Initialize database
	poolCfg := database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: 10 * time.Minute,
	}
	sslCfg := &database.SSLConfig{Mode: cfg.DBSSLMode}
	primary, err := database.NewClient(cfg.DBDriver, cfg.DatabaseURL, poolCfg, sslCfg, log)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	replicaCfg := database.DefaultReplicaConfig()
	replicaCfg.ReadReplicaURLs = cfg.DBReplicaURLs
	db := database.WithReplicas(primary, poolCfg, sslCfg, replicaCfg)
	defer db.Close()

	if cfg.DBAutoMigrate {
		migrateCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := db.Migrate(migrateCtx)
		cancel()
		if err != nil {
			log.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Redis cache. Without it prices are not cached and tokens
	// cannot be revoked, but the API still serves.
	redisClient, err := cache.NewClient(cfg.RedisURL, log)
	if err != nil {
		if cfg.LockBackend == "redis" {
			log.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		log.Warn("Redis unavailable, running without cache", "error", err)
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	// Per-user locks: in process for one replica, Redis leases for many
	var locker locks.Locker = locks.NewKeyedMutex()
	if cfg.LockBackend == "redis" {
		locker = locks.NewRedisLocker(redisClient.Redis, log)
	}
	log.Info("entitlement locks configured", "backend", cfg.LockBackend)

	// Initialize Prometheus metrics
	prometheusMetrics := metrics.New()

	// Entitlement core
	store := entitlement.NewSQLStore(db.DB, db.Reader())
	manager := entitlement.NewManager(store, locker, log, entitlement.WithAlerter(alerter))

	gateway, err := billing.NewStripeGateway(&billing.StripeConfig{
		SecretKey:       cfg.StripeSecretKey,
		WebhookSecret:   cfg.StripeWebhookSecret,
		PriceStarter:    cfg.StripePriceStarter,
		PricePro:        cfg.StripePricePro,
		SuccessURL:      cfg.CheckoutSuccessURL,
		CancelURL:       cfg.CheckoutCancelURL,
		PortalReturnURL: cfg.PortalReturnURL,
	}, log)
	if err != nil {
		log.Error("failed to configure Stripe", "error", err)
		os.Exit(1)
	}
	gateway.SetObserver(prometheusMetrics)
	prices := billing.NewPriceCache(gateway, redisClient, cfg.PriceCacheTTL, log)

	// Document vault
	var docs documents.Store
	if cfg.S3Bucket != "" {
		s3Store, err := documents.NewS3Store(context.Background(), documents.S3Config{
			Region:    cfg.AWSRegion,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			log.Error("failed to configure document storage", "error", err)
			os.Exit(1)
		}
		docs = s3Store
		log.Info("document storage configured", "bucket", cfg.S3Bucket)
	} else {
		docs = documents.NewMemoryStore()
		log.Warn("S3_BUCKET not set, using in-memory document store")
	}

	// Notifications
	mailer := notify.NewMailer(cfg.EmailFrom, cfg.EmailFromName, cfg.SendGridAPIKey, log)
	notifier := notify.NewEmailNotifier(mailer, gateway, cfg.FrontendURL, log)

	// Domain services
	dunningCfg := dunning.Config{
		RestrictStep:    cfg.DunningRestrictStep,
		DowngradeStep:   cfg.DunningDowngradeStep,
		FinalStep:       cfg.DunningFinalStep,
		StepSchedule:    cfg.DunningStepSchedule,
		RetentionWindow: cfg.DunningRetentionWindow,
	}
	coordinator := dunning.NewCoordinator(manager, dunningCfg, notifier, alerter, log)
	coordinator.SetRecorder(prometheusMetrics)

	enforcer := quota.NewEnforcer(manager, docs, log)
	enforcer.SetDenialRecorder(prometheusMetrics)

	engine := subscription.NewEngine(manager, gateway, subscription.Config{
		GatewayTimeout:     cfg.GatewayTimeout,
		UpgradeInflightTTL: cfg.UpgradeInflightTTL,
	}, log)
	engine.SetNotifier(notifier)
	engine.SetRecorder(prometheusMetrics)

	decoder := webhook.NewStripeDecoder(cfg.StripeWebhookSecret, gateway)
	reconciler := webhook.NewReconciler(manager, coordinator, cfg.DowngradeTrimGrace, alerter, log)
	reconciler.SetRecorder(prometheusMetrics)

	sweeper := retention.NewSweeper(manager, docs, cfg.RetentionSweepParallel, log)
	sweeper.SetRecorder(prometheusMetrics)

	// Scheduled jobs share the entitlement locker so one replica runs each job
	cronManager := jobs.NewCronManager(jobs.Dependencies{
		Escalator: coordinator,
		Resetter:  enforcer,
		Sweeper:   sweeper,
		Drift:     jobs.NewDriftMonitor(manager, gateway, reconciler, log),
	}, jobs.Schedules{
		Dunning:   cfg.CronDunningSpec,
		Reset:     cfg.CronResetSpec,
		Retention: cfg.CronRetentionSpec,
		Drift:     cfg.CronDriftSpec,
	}, locker, log)
	if err := cronManager.SetupJobs(); err != nil {
		log.Error("failed to schedule jobs", "error", err)
		os.Exit(1)
	}
	cronManager.Start()

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	globalRateLimiter := custommiddleware.NewRateLimiter(cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst)
	defer globalRateLimiter.Stop()
	webhookRateLimiter := custommiddleware.NewRateLimiter(600, 100)
	defer webhookRateLimiter.Stop()

	// Global middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	if cfg.SentryDSN != "" {
		e.Use(sentryecho.New(sentryecho.Options{Repanic: true}))
	}
	e.Use(prometheusMetrics.Middleware())
	e.Use(middleware.CORSWithConfig(custommiddleware.CORSConfig(cfg.CORSAllowedOrigins)))
	e.Use(custommiddleware.SecurityHeaders(custommiddleware.SecurityHeadersConfig{HSTS: cfg.IsProduction()}))
	e.Use(middleware.BodyLimit("1M"))

	// Public routes
	var healthCache handlers.Pinger
	if redisClient != nil {
		healthCache = redisClient
	}
	healthHandler := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"database": db,
		"cache":    healthCache,
	})
	e.GET("/health", healthHandler.Health)
	e.GET("/metrics", echo.WrapHandler(prometheusMetrics.Handler()))

	v1 := e.Group("/api/v1")

	pricingHandler := handlers.NewPricingHandler(prices)
	v1.GET("/pricing", pricingHandler.GetPricing, globalRateLimiter.Middleware())

	webhookHandler := handlers.NewWebhookHandler(decoder, reconciler, log)
	v1.POST("/webhook/stripe", webhookHandler.HandleStripe, webhookRateLimiter.Middleware())

	// Authenticated routes
	jwtMiddleware := apimw.JWTMiddleware(cfg.JWTSecret)
	if redisClient != nil {
		jwtMiddleware = apimw.JWTMiddlewareWithBlacklist(cfg.JWTSecret, auth.NewTokenBlacklist(redisClient))
	}
	protected := v1.Group("", jwtMiddleware, globalRateLimiter.Middleware())

	entitlementHandler := handlers.NewEntitlementHandler(enforcer, manager)
	protected.GET("/entitlement", entitlementHandler.GetEntitlement)

	subscriptionHandler := handlers.NewSubscriptionHandler(engine, enforcer)
	subscriptionGroup := protected.Group("/subscription")
	{
		subscriptionGroup.POST("/checkout", subscriptionHandler.CreateCheckout)
		subscriptionGroup.POST("/portal", subscriptionHandler.CreatePortal)
		subscriptionGroup.POST("/upgrade/preview", subscriptionHandler.PreviewUpgrade)
		subscriptionGroup.POST("/upgrade", subscriptionHandler.Upgrade)
		subscriptionGroup.POST("/downgrade", subscriptionHandler.Downgrade)
		subscriptionGroup.POST("/cancel", subscriptionHandler.Cancel)
		subscriptionGroup.POST("/reactivate", subscriptionHandler.Reactivate)
	}

	usageHandler := handlers.NewUsageHandler(enforcer, manager)
	usageGroup := protected.Group("/usage")
	{
		usageGroup.POST("/upload", usageHandler.RecordUpload)
		usageGroup.POST("/question", usageHandler.RecordQuestion)
		usageGroup.GET("/can-upload", usageHandler.CanUpload)
		usageGroup.GET("/can-ask", usageHandler.CanAsk)
	}

	// Report pool usage to Prometheus
	statsCtx, stopStats := context.WithCancel(context.Background())
	defer stopStats()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-statsCtx.Done():
				return
			case <-ticker.C:
				prometheusMetrics.UpdateDBConnections(float64(db.Stats().InUse))
			}
		}
	}()

	// Start server
	address := fmt.Sprintf("%s:%s", cfg.APIHost, cfg.APIPort)
	log.Info("DocVault API starting",
		"address", address,
		"rate_limit_per_minute", cfg.RateLimitRequestsPerMinute,
		"rate_limit_burst", cfg.RateLimitBurst,
		"cron_jobs", cronManager.Jobs(),
	)

	go func() {
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			log.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}
	cronManager.Stop(ctx)

	log.Info("server gracefully stopped")
}

// loadSecrets overlays credentials from the configured secrets backend onto cfg.
func loadSecrets(cfg *config.Config, log logger.Logger) error {
	sc := secrets.DefaultConfig()
	sc.Backend = cfg.SecretsBackend
	sc.Dir = cfg.SecretsDir
	sc.AWSRegion = cfg.AWSRegion
	sc.Prefix = cfg.SecretsPrefix

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	manager, err := secrets.NewManager(ctx, sc, log)
	if err != nil {
		return err
	}

	loaded, err := secrets.LoadCommonSecrets(ctx, manager, secrets.CommonSecrets{
		JWTSecret:           cfg.JWTSecret,
		DatabaseURL:         cfg.DatabaseURL,
		StripeSecretKey:     cfg.StripeSecretKey,
		StripeWebhookSecret: cfg.StripeWebhookSecret,
		SendGridAPIKey:      cfg.SendGridAPIKey,
		RedisURL:            cfg.RedisURL,
		S3SecretKey:         cfg.S3SecretKey,
	})
	if err != nil {
		return err
	}

	cfg.JWTSecret = loaded.JWTSecret
	cfg.DatabaseURL = loaded.DatabaseURL
	cfg.StripeSecretKey = loaded.StripeSecretKey
	cfg.StripeWebhookSecret = loaded.StripeWebhookSecret
	cfg.SendGridAPIKey = loaded.SendGridAPIKey
	cfg.RedisURL = loaded.RedisURL
	cfg.S3SecretKey = loaded.S3SecretKey
	return nil
}
