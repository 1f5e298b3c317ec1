package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatcall-backend/internal/database"
	chatHandler "chatcall-backend/internal/handler/http/chat"
	pushHandler "chatcall-backend/internal/handler/http/push"
	userHandler "chatcall-backend/internal/handler/http/user"
	videoHandler "chatcall-backend/internal/handler/http/video"
	wsHandler "chatcall-backend/internal/handler/ws"
	"chatcall-backend/internal/middleware"
	"chatcall-backend/internal/repository/cockroach"
	redisRepo "chatcall-backend/internal/repository/redis"
	"chatcall-backend/internal/service/chat"
	"chatcall-backend/internal/service/typing"
	"chatcall-backend/internal/service/user"
	"chatcall-backend/internal/service/video"
	"chatcall-backend/internal/signaling"
	"chatcall-backend/pkg/cache"
	"chatcall-backend/pkg/config"
	"chatcall-backend/pkg/constants"
	"chatcall-backend/pkg/jwt"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
	"chatcall-backend/pkg/push"
	"chatcall-backend/pkg/resilience"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 2. Redis backs push tokens, rate limits, token revocation and the signaling store
	redisDB, err := database.NewRedisDB(&database.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	}, appMetrics.GetRegistry())
	if err != nil {
		logger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisDB.Close()

	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis is not reachable yet, starting in degraded mode", zap.Error(err))
	} else {
		logger.Info("Connected to Redis", zap.String("host", cfg.Redis.Host))
	}
	go redisDB.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)

	// 3. Signaling store
	dial, ch := openSignaling(ctx, cfg, redisDB, appMetrics)
	defer ch.Close()

	// 4. Push notifications
	pushProvider, err := push.NewProvider(ctx, cfg.Push)
	if err != nil {
		logger.Fatal("Failed to initialize push provider", zap.Error(err))
	}
	if cfg.Server.Environment == "production" && pushProvider.Name() == "mock" {
		logger.Fatal("PUSH_PROVIDER=mock is not allowed in production")
	}
	pushProvider = push.NewResilientProvider(pushProvider, resilience.NewBreaker("push_"+pushProvider.Name(), resilience.Options{
		Retries:    2,
		Registerer: appMetrics.GetRegistry(),
	}))
	pushSvc := push.NewService(pushProvider, redisRepo.NewPushTokenRepository(redisDB.Client), appMetrics)

	// 5. Optional call archive in CockroachDB
	var archive *cockroach.CallRepository
	if cfg.Archive.Enabled {
		dbConfig := database.DefaultDBConfig()
		dbConfig.MaxConns = cfg.Archive.MaxConns
		dbConfig.MinConns = cfg.Archive.MinConns
		db, err := database.NewDB(ctx, cfg.ArchiveDSN(), dbConfig)
		if err != nil {
			logger.Fatal("Failed to connect to call archive", zap.Error(err))
		}
		defer db.Close()

		archive = cockroach.NewCallRepository(db.Pool)
		if err := archive.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to prepare call archive schema", zap.Error(err))
		}
		logger.Info("Call archive enabled", zap.String("host", cfg.Archive.Host))
	}

	// 6. Services
	names := cache.NewMemoryCache[string](cfg.Chat.ProfileCacheTTL, cfg.Chat.ProfileCacheSize, nil)
	stopCleanup := names.StartCleanup(time.Minute)
	defer stopCleanup()
	profiles := user.NewService(ch, names)
	typingTracker := typing.NewTracker(ch, typing.Options{
		QuietWindow: cfg.Chat.TypingQuietWindow,
		Metrics:     appMetrics,
	})
	defer typingTracker.Close()

	chatSvc := chat.NewService(ch, chat.Options{
		Typing:   typingTracker,
		Notifier: pushSvc,
		Names:    profiles,
		Metrics:  appMetrics,
	})

	videoOpts := video.Options{
		Conversations: chatSvc,
		Profiles:      profiles,
		Notifier:      pushSvc,
		RingTimeout:   cfg.Call.RingTimeout,
		Metrics:       appMetrics,
		Tick:          cfg.Call.DurationTick,
	}
	if archive != nil {
		videoOpts.Archive = archive
	}
	videoSvc := video.NewService(ch, videoOpts)
	defer videoSvc.Close()

	// 7. Handlers
	var archiveReader videoHandler.ArchiveReader
	if archive != nil {
		archiveReader = archive
	}
	chatHdlr := chatHandler.NewHandler(chatSvc, typingTracker)
	videoHdlr := videoHandler.NewHandler(videoSvc, video.NewHistory(ch, profiles), archiveReader)
	userHdlr := userHandler.NewHandler(profiles, ch)
	pushHdlr := pushHandler.NewHandler(pushSvc)
	eventsHub := wsHandler.NewEventsHub(wsHandler.EventsOptions{
		Dial:           dial,
		Chats:          chatSvc,
		Typing:         typingTracker,
		Calls:          videoSvc,
		Metrics:        appMetrics,
		AllowedOrigins: cfg.Server.CORSOrigins,
	})

	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience, 15*time.Minute)

	// 8. Router
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware(cfg.Server.CORSOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())
	router.Use(middleware.HealthCheck(cfg.Server.ServiceName))

	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, middleware.NewRedisRevocationChecker(redisDB.Client)))

	// The event socket is long-lived and must not count against the request budget.
	v1.GET("/ws/events", eventsHub.ServeWS)

	api := v1.Group("")
	if cfg.Server.RateLimit > 0 {
		api.Use(middleware.NewRateLimiter(redisDB.Client, cfg.Server.RateLimit, time.Minute).Middleware())
	}
	chatHdlr.RegisterRoutes(api)
	videoHdlr.RegisterRoutes(api)
	userHdlr.RegisterRoutes(api)
	pushHdlr.RegisterRoutes(api)

	// 9. Start server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("environment", cfg.Server.Environment),
			zap.String("signaling_backend", cfg.Signaling.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	stop()

	logger.Info("Server exited")
}

// openSignaling returns the dialer used for per-socket connections and the
// shared connection the services write through. With the Redis backend a
// reaper applies the disconnect writes of instances that died.
func openSignaling(ctx context.Context, cfg *config.Config, redisDB *database.RedisClient, m *metrics.Metrics) (wsHandler.Dialer, signaling.Channel) {
	if cfg.Signaling.Backend == "memory" {
		store := signaling.NewMemoryStore(nil)
		logger.Warn("Using in-memory signaling store; state is lost on restart")
		return func(context.Context) (signaling.Channel, error) {
			return store.Connect(), nil
		}, store.Connect()
	}

	opts := signaling.RedisOptions{
		Metrics:   m,
		LeaseTTL:  cfg.Signaling.LeaseTTL,
		Heartbeat: cfg.Signaling.Heartbeat,
	}
	dial := func(ctx context.Context) (signaling.Channel, error) {
		return signaling.NewRedisChannel(ctx, redisDB, opts)
	}
	ch, err := dial(ctx)
	if err != nil {
		logger.Fatal("Failed to open signaling connection", zap.Error(err))
	}

	go signaling.NewReaper(redisDB, nil, cfg.Signaling.ReaperInterval, m).Run(ctx)
	return dial, ch
}
