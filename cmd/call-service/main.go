package main

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"flashchat-backend/internal/callrecord"
	"flashchat-backend/internal/config"
	intDatabase "flashchat-backend/internal/database"
	callHandler "flashchat-backend/internal/handler/http/call"
	pushHandler "flashchat-backend/internal/handler/http/push"
	wsHandler "flashchat-backend/internal/handler/ws"
	"flashchat-backend/internal/middleware"
	"flashchat-backend/internal/notify"
	"flashchat-backend/internal/ratelimit"
	"flashchat-backend/internal/repository/cockroach"
	redisRepo "flashchat-backend/internal/repository/redis"
	"flashchat-backend/internal/signaling"
	"flashchat-backend/pkg/audit"
	"flashchat-backend/pkg/constants"
	pkgDatabase "flashchat-backend/pkg/database"
	"flashchat-backend/pkg/jwt"
	"flashchat-backend/pkg/logger"
	"flashchat-backend/pkg/metrics"
	"flashchat-backend/pkg/push"
)

func main() {
	ctx := context.Background()
	cfg := config.Load()

	// 1. Logger
	logLevel := "info"
	logFormat := "json"
	if !cfg.IsProduction() {
		logLevel = "debug"
		logFormat = "text"
	}
	if err := logger.Init(&logger.Config{Level: logLevel, Format: logFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// 2. JWT manager
	if cfg.IsProduction() && len(cfg.JWTSecret) < 32 {
		logger.Fatal("JWT_SECRET must be at least 32 characters in production")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWTSecret, cfg.AccessTokenDuration)

	// 3. Signaling channel: Firestore when credentials are configured,
	// in-memory otherwise so local development works without GCP.
	var channel signaling.Channel
	var firebaseApp *firebase.App
	if cfg.FirebaseProjectID != "" || cfg.FirebaseCredentialsFile != "" {
		var opts []option.ClientOption
		if cfg.FirebaseCredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.FirebaseCredentialsFile))
		}
		app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.FirebaseProjectID}, opts...)
		if err != nil {
			logger.Fatal("failed to initialize Firebase app", zap.Error(err))
		}
		fsClient, err := app.Firestore(ctx)
		if err != nil {
			logger.Fatal("failed to create Firestore client", zap.Error(err))
		}
		defer fsClient.Close()
		channel = signaling.NewFirestoreChannel(fsClient)
		firebaseApp = app
		logger.Info("signaling over Firestore", zap.String("project_id", cfg.FirebaseProjectID))
	} else {
		if cfg.IsProduction() {
			logger.Fatal("FIREBASE_PROJECT_ID is required in production")
		}
		channel = signaling.NewMemoryChannel()
		logger.Warn("signaling over in-memory channel, for development only")
	}

	// 4. Redis with degraded mode support
	redisDB, err := intDatabase.NewRedisDB(&intDatabase.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     redisPort(cfg),
		Password: cfg.RedisPassword,
		DB:       0,
		PoolSize: 10,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		logger.Fatal("failed to create Redis client", zap.Error(err))
	}
	defer redisDB.Close()
	intDatabase.InitRedisMetrics()
	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unreachable at startup, continuing in degraded mode", zap.Error(err))
	}
	redisDB.StartHealthCheck(ctx, 10*time.Second)

	// 5. Optional call archive database
	var archiveDB *pkgDatabase.CockroachDB
	var archiveRepo *cockroach.CallArchiveRepository
	if cfg.ArchiveEnabled {
		archiveDB = connectCockroach(ctx, cfg)
		if archiveDB != nil {
			defer archiveDB.Close()
			if err := archiveDB.EnsureCallArchiveSchema(ctx); err != nil {
				logger.Fatal("failed to ensure call archive schema", zap.Error(err))
			}
			archiveRepo = cockroach.NewCallArchiveRepository(archiveDB.Pool)
			logger.Info("call archive enabled")
		}
	}

	// 6. Push service
	var apnsCfg *push.APNsConfig
	if cfg.PushAPNsEnabled {
		apnsCfg = &push.APNsConfig{
			KeyPath:    cfg.APNsKeyFile,
			KeyID:      cfg.APNsKeyID,
			TeamID:     cfg.APNsTeamID,
			BundleID:   cfg.APNsTopic,
			Production: cfg.APNsProduction,
		}
	}
	var fcmApp *firebase.App
	if cfg.PushFCMEnabled {
		fcmApp = firebaseApp
	}
	providers, err := push.NewProviders(fcmApp, apnsCfg)
	if err != nil {
		logger.Fatal("failed to initialize push providers", zap.Error(err))
	}
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB)
	pushSvc := push.NewService(pushTokenRepo, providers)

	// 7. Metrics
	appMetrics := metrics.NewMetrics("call-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 8. Call record manager and collaborators
	presenceRepo := redisRepo.NewPresenceRepository(redisDB)
	directory := redisRepo.NewDirectoryRepository(redisDB, notify.NewChannelUserDirectory(channel))
	bridge := notify.NewPushBridge(channel, pushSvc, directory, presenceRepo, appMetrics)
	limiter := ratelimit.NewLimiter(channel,
		ratelimit.WithWindow(cfg.RateLimitWindow),
		ratelimit.WithMax(int64(cfg.RateLimitMax)),
	)

	var archiver callrecord.Archiver
	if archiveRepo != nil {
		archiver = archiveRepo
	}
	records := callrecord.NewManager(channel, limiter, bridge, archiver, appMetrics)

	// 9. Handlers
	var historyStore callHandler.HistoryStore
	if archiveRepo != nil {
		historyStore = archiveRepo
	}
	auditLog := audit.NewLogger(redisDB.Client)
	callHdlr := callHandler.NewHandler(records, historyStore, auditLog)
	pushHdlr := pushHandler.NewHandler(pushSvc, auditLog)
	eventsHub := wsHandler.NewCallEventsHub(records, presenceRepo, appMetrics)

	// 10. Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.Timeout(cfg.RequestTimeout))
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "call-service",
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler())

	revocationChecker := middleware.NewRedisRevocationChecker(redisDB.Client)
	authn := middleware.AuthMiddleware(jwtManager, revocationChecker)
	httpLimiter := middleware.NewRateLimiter(redisDB.Client, cfg.HTTPRateLimit, cfg.HTTPRateWindow, appMetrics)

	// History hits the archive database, so it additionally sheds load when
	// the connection pool is near exhaustion.
	historyChain := []gin.HandlerFunc{callHdlr.GetHistory}
	if archiveDB != nil {
		poolGuard := middleware.NewDBPoolLimiter(archiveDB.Pool)
		historyChain = []gin.HandlerFunc{poolGuard.Middleware(), callHdlr.GetHistory}
	}

	calls := router.Group("/v1/calls")
	calls.Use(authn, httpLimiter.Middleware())
	{
		calls.GET("/ice-servers", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"ice_servers": cfg.ICEServers})
		})
		calls.POST("", callHdlr.InitiateCall)
		calls.GET("/history", historyChain...)
		calls.GET("/:id", callHdlr.GetCall)
		calls.PATCH("/:id/status", callHdlr.UpdateStatus)
		calls.POST("/:id/decline", callHdlr.DeclineCall)
		calls.POST("/:id/end", callHdlr.EndCall)
	}

	tokens := router.Group("/v1/push")
	tokens.Use(authn, httpLimiter.Middleware())
	{
		tokens.POST("/tokens", pushHdlr.RegisterToken)
		tokens.GET("/tokens", pushHdlr.GetTokens)
		tokens.DELETE("/tokens", pushHdlr.UnregisterToken)
		tokens.DELETE("/tokens/all", pushHdlr.UnregisterAllTokens)
	}

	router.GET("/ws/calls", authn, eventsHub.ServeWS)

	// 11. Serve with graceful shutdown
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("call service listening", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	logger.Info("server exited")
}

// connectCockroach dials the archive database with exponential backoff.
// Returns nil when all attempts fail; archiving is optional.
func connectCockroach(ctx context.Context, cfg *config.Config) *pkgDatabase.CockroachDB {
	dbConfig := &pkgDatabase.CockroachConfig{
		Host:     cfg.DBHost,
		Port:     atoiOr(cfg.DBPort, 26257),
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	const maxRetries = 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err := pkgDatabase.NewCockroachDB(ctx, dbConfig)
		if err == nil {
			logger.Info("connected to CockroachDB", zap.Int("attempt", attempt))
			return db
		}
		if attempt == maxRetries {
			logger.Warn("giving up on CockroachDB, running without call archive", zap.Error(err))
			return nil
		}

		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		time.Sleep(delay)
	}
	return nil
}

func atoiOr(s string, fallback int) int {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n <= 0 {
		return fallback
	}
	return n
}

func redisPort(cfg *config.Config) int {
	return atoiOr(cfg.RedisPort, 6379)
}
