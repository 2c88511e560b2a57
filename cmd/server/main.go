package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sewago/payment-webhooks/internal/cache"
	"github.com/sewago/payment-webhooks/internal/config"
	"github.com/sewago/payment-webhooks/internal/database"
	"github.com/sewago/payment-webhooks/internal/handlers"
	"github.com/sewago/payment-webhooks/internal/middleware"
	"github.com/sewago/payment-webhooks/internal/models"
	"github.com/sewago/payment-webhooks/internal/services"
	"github.com/sewago/payment-webhooks/internal/utils"
	"github.com/sewago/payment-webhooks/pkg/jwt"
	"github.com/sirupsen/logrus"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

// stores groups the state backends selected by STORE_BACKEND
type stores struct {
	idempotency services.IdempotencyStore
	replay      services.ReservationStore
	velocity    services.VelocityCounter
}

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting SewaGo payment webhook service")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Set log level
	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize database connection
	logger.Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	var redisClient *redis.Client
	if cfg.Webhook.StoreBackend == config.StoreBackendRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(ctx).Err()
		cancel()
		if err != nil {
			logger.Fatalf("Failed to connect to redis: %v", err)
		}
		logger.WithField("addr", cfg.Redis.Addr).Info("Redis connection established")
	}

	// Initialize services
	logger.Info("Initializing services...")
	state := buildStores(cfg, db, redisClient)
	logger.WithField("backend", cfg.Webhook.StoreBackend).Info("Webhook state stores ready")

	rules := services.DefaultFraudRules()
	if cfg.Fraud.RulesFile != "" {
		rules, err = services.LoadFraudRules(cfg.Fraud.RulesFile)
		if err != nil {
			logger.Fatalf("Failed to load fraud rules: %v", err)
		}
	}
	fraudScreen, err := services.NewFraudScreen(rules, logger)
	if err != nil {
		logger.Fatalf("Failed to compile fraud rules: %v", err)
	}
	logger.WithField("rules", len(rules)).Info("Fraud screen compiled")

	auditRepository := database.NewPaymentAuditRepository(db.DB, logger)
	ledgerRepository := database.NewWalletLedgerRepository(db.DB, logger)
	auditSinks := services.MultiAuditSink{services.NewLogAuditSink(logger)}
	var asyncAudit *services.AsyncAuditSink
	if cfg.Audit.Enabled {
		asyncAudit = services.NewAsyncAuditSink(
			services.NewRepositoryAuditSink(auditRepository, 5*time.Second, logger),
			cfg.Audit.BufferSize,
			logger,
		)
		auditSinks = append(auditSinks, asyncAudit)
	}

	secrets := map[models.Gateway]string{}
	merchants := map[models.Gateway]string{}
	for gateway, gc := range map[models.Gateway]config.GatewayConfig{
		models.GatewayEsewa:  cfg.Webhook.Esewa,
		models.GatewayKhalti: cfg.Webhook.Khalti,
	} {
		if gc.SecretKey != "" {
			secrets[gateway] = gc.SecretKey
		}
		if gc.MerchantCode != "" {
			merchants[gateway] = gc.MerchantCode
		}
	}

	pipeline := services.NewWebhookPipeline(
		services.NewSignatureVerifier(secrets),
		services.NewIdempotencyGate(state.idempotency, cfg.Webhook.InProgressWait, logger),
		services.NewReplayGuard(state.replay, cfg.Webhook.FreshnessWindow, cfg.Webhook.MaxClockSkew, logger),
		services.NewAmountValidator(database.NewOrderRepository(db.DB), cfg.Webhook.OrderLookupTimeout, logger),
		fraudScreen,
		state.velocity,
		ledgerRepository,
		auditSinks,
		services.PipelineConfig{
			MerchantCodes:   merchants,
			SuspiciousIPs:   cfg.Fraud.SuspiciousIPs,
			LargeAmount:     cfg.Fraud.LargeAmount,
			InProgressRetry: cfg.Webhook.InProgressWait,
		},
		logger,
	)
	for gateway := range secrets {
		logger.WithField("gateway", gateway).Info("Webhook gateway enabled")
	}

	jwtService := jwt.NewService(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)

	// Initialize cron service for retention sweeps
	cronService := services.NewCronService(cfg.Audit.SweepCron, logger)
	if cfg.Webhook.StoreBackend == config.StoreBackendPostgres {
		cronService.AddTable("webhook_idempotency_keys", state.idempotency.(services.ExpiringTable))
		cronService.AddTable("webhook_replay_guard", state.replay.(services.ExpiringTable))
		cronService.AddTable("webhook_velocity_events", state.velocity.(services.ExpiringTable))
	}
	if cfg.Audit.RetentionDays > 0 {
		cronService.SetAuditRetention(auditRepository, time.Duration(cfg.Audit.RetentionDays)*24*time.Hour)
	}
	if err := cronService.Start(); err != nil {
		logger.Fatalf("Failed to start cron service: %v", err)
	}

	// Initialize handlers
	webhookHandler := handlers.NewPaymentWebhookHandler(pipeline, cfg.Webhook.MaxBodyBytes, logger)
	auditHandler := handlers.NewPaymentAuditHandler(auditRepository, logger)
	ledgerHandler := handlers.NewPaymentLedgerHandler(ledgerRepository, logger)

	// Setup Gin router
	router := gin.New()
	if err := utils.ConfigureTrustedProxies(router, cfg.Server.TrustedProxies); err != nil {
		logger.Fatalf("Invalid TRUSTED_PROXIES: %v", err)
	}
	logger.WithField("trusted_proxies", cfg.Server.TrustedProxies).Info("Client IPs resolved from trusted proxies only")

	// Middleware
	router.Use(middleware.RequestID())
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	// CORS configuration (admin dashboard only; gateways post server-to-server)
	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length", models.HeaderRequestID, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db, redisClient))

	v1 := router.Group("/api/v1")
	{
		// Gateway webhooks (authenticated by HMAC signature, not JWT)
		v1.POST("/payments/webhooks/:gateway", webhookHandler.HandleWebhook)

		// Operator audit API
		admin := v1.Group("/admin")
		admin.Use(middleware.AuthMiddleware(jwtService, logger))
		admin.Use(middleware.RequireRole("admin"))
		{
			admin.GET("/payment-audits", auditHandler.ListByTransaction)
			admin.GET("/payment-audits/amount-mismatches", auditHandler.ListAmountMismatches)
			admin.GET("/payment-ledger/:transaction_id", ledgerHandler.GetByTransaction)
			admin.POST("/retention/sweep", func(c *gin.Context) {
				removed := cronService.RunOnce(c.Request.Context())
				c.JSON(http.StatusOK, gin.H{"removed": removed})
			})
		}
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Stop cron service
	logger.Info("Stopping cron service...")
	cronService.Stop()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	// Flush buffered audit events after the last request finished
	if asyncAudit != nil {
		asyncAudit.Close()
		if dropped := asyncAudit.Dropped(); dropped > 0 {
			logger.WithField("dropped", dropped).Warn("Audit events dropped while buffer was full")
		}
	}

	logger.Info("Server exited successfully")
}

// buildStores selects the idempotency, replay and velocity backends
func buildStores(cfg *config.Config, db *database.PostgresDB, redisClient *redis.Client) stores {
	wh := cfg.Webhook
	switch wh.StoreBackend {
	case config.StoreBackendRedis:
		return stores{
			idempotency: cache.NewRedisStore(redisClient, "idem", wh.IdempotencyRetention),
			replay:      cache.NewRedisStore(redisClient, "replay", wh.ReplayRetention),
			velocity:    cache.NewRedisVelocityCounter(redisClient, cfg.Fraud.VelocityLimit, cfg.Fraud.VelocityWindow),
		}
	case config.StoreBackendPostgres:
		return stores{
			idempotency: database.NewIdempotencyRepository(db.DB, wh.IdempotencyRetention),
			replay:      database.NewReplayRepository(db.DB, wh.ReplayRetention),
			velocity:    database.NewVelocityRepository(db.DB, cfg.Fraud.VelocityLimit, cfg.Fraud.VelocityWindow),
		}
	default:
		return stores{
			idempotency: cache.NewMemoryStore(wh.MemoryStoreMaxItems, wh.IdempotencyRetention),
			replay:      cache.NewMemoryStore(wh.MemoryStoreMaxItems, wh.ReplayRetention),
			velocity:    cache.NewMemoryVelocityCounter(cfg.Fraud.VelocityLimit, cfg.Fraud.VelocityWindow, wh.MemoryStoreMaxItems),
		}
	}
}

// requestLogger middleware for logging HTTP requests
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		fields := logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           path,
			"query":          query,
			"ip":             c.ClientIP(),
			"latency_ms":     latency.Milliseconds(),
			"user_agent":     c.Request.UserAgent(),
			"correlation_id": middleware.GetRequestID(c),
			"has_auth":       c.GetHeader("Authorization") != "",
		}
		if operator, ok := middleware.GetOperatorContext(c); ok {
			fields["operator_id"] = operator.OperatorID
		}

		entry := logger.WithFields(fields)

		if len(c.Errors) > 0 {
			for i, err := range c.Errors {
				entry = entry.WithField(fmt.Sprintf("error_%d", i), err.Error())
			}
			entry.Error("Request failed with errors")
			return
		}

		status := c.Writer.Status()
		if status >= 500 {
			entry.Error("Request completed with server error")
		} else if status >= 400 {
			entry.Warn("Request completed with client error")
		} else {
			entry.Info("Request completed successfully")
		}
	}
}

// healthCheckHandler returns a health check endpoint
func healthCheckHandler(db database.DB, redisClient *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := gin.H{
			"status":    "healthy",
			"database":  "healthy",
			"version":   version,
			"timestamp": time.Now().Unix(),
		}
		code := http.StatusOK

		if err := db.PingContext(ctx); err != nil {
			status["status"] = "unhealthy"
			status["database"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		if redisClient != nil {
			status["redis"] = "healthy"
			if err := redisClient.Ping(ctx).Err(); err != nil {
				status["status"] = "unhealthy"
				status["redis"] = "unhealthy"
				code = http.StatusServiceUnavailable
			}
		}

		c.JSON(code, status)
	}
}
