// Command call-agent is a headless endpoint that stays online as one user,
// answers every incoming call and streams sample media until the caller
// hangs up. It is used for smoke tests of the signaling path.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"chatcall-backend/internal/database"
	"chatcall-backend/internal/domain"
	"chatcall-backend/internal/service/chat"
	"chatcall-backend/internal/service/presence"
	"chatcall-backend/internal/service/user"
	"chatcall-backend/internal/service/video"
	"chatcall-backend/internal/signaling"
	"chatcall-backend/pkg/config"
	"chatcall-backend/pkg/env"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: "stdout"}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	userID := env.New().String("AGENT_USER_ID", "")
	if userID == "" {
		logger.Fatal("AGENT_USER_ID is required")
	}
	displayName := env.New().String("AGENT_DISPLAY_NAME", "Call Agent")
	log := logger.With(zap.String("user_id", userID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics("call-agent")
	redisDB, err := database.NewRedisDB(&database.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	}, nil)
	if err != nil {
		log.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisDB.Close()

	ch, err := signaling.NewRedisChannel(ctx, redisDB, signaling.RedisOptions{
		Metrics:   appMetrics,
		LeaseTTL:  cfg.Signaling.LeaseTTL,
		Heartbeat: cfg.Signaling.Heartbeat,
	})
	if err != nil {
		log.Fatal("Failed to open signaling connection", zap.Error(err))
	}
	defer ch.Close()

	peers, err := video.NewPionPeerFactory(cfg.Call.STUNServers)
	if err != nil {
		log.Fatal("Failed to create peer factory", zap.Error(err))
	}

	profiles := user.NewService(ch, nil)
	if _, err := profiles.UpdateProfile(ctx, userID, &displayName, nil); err != nil {
		log.Warn("Failed to publish agent profile", zap.Error(err))
	}

	calls := video.NewService(ch, video.Options{
		Conversations: chat.NewService(ch, chat.Options{Metrics: appMetrics}),
		Profiles:      profiles,
		RingTimeout:   0,
		Metrics:       appMetrics,
		Peers:         peers,
		Media:         video.NewSampleMediaSource(nil),
		Tick:          cfg.Call.DurationTick,
	})
	defer calls.Close()

	tracker := presence.NewTracker(ch, appMetrics)
	if err := tracker.Start(ctx, userID); err != nil {
		log.Fatal("Failed to go online", zap.Error(err))
	}
	defer tracker.Stop(context.Background())

	incoming, err := calls.WatchIncoming(ctx, userID)
	if err != nil {
		log.Fatal("Failed to watch incoming calls", zap.Error(err))
	}
	defer incoming.Cancel()

	log.Info("Call agent ready")
	for {
		select {
		case <-ctx.Done():
			log.Info("Call agent stopping")
			return
		case rec, ok := <-incoming.Updates():
			if !ok {
				log.Error("Incoming call stream closed")
				return
			}
			answer(ctx, calls, rec, userID, log)
		}
	}
}

// answer accepts one call and blocks until its session ends.
func answer(ctx context.Context, calls *video.Service, rec domain.CallRecord, userID string, log *zap.Logger) {
	log = log.With(zap.String("call_id", rec.CallID), zap.String("caller_id", rec.CallerID))

	session, err := calls.OpenSession(ctx, rec.CallID, userID)
	if err != nil {
		log.Warn("Failed to open session", zap.Error(err))
		return
	}
	defer session.Close()

	if err := calls.AcceptCall(ctx, rec.CallID, userID); err != nil {
		log.Warn("Failed to accept call", zap.Error(err))
		return
	}
	log.Info("Call accepted")

	states := session.Watch()
	defer states.Cancel()
	for {
		select {
		case <-ctx.Done():
			_ = session.Hangup(context.Background())
			return
		case <-session.Done():
			log.Info("Call finished", zap.Error(session.Err()))
			return
		case st, ok := <-states.Updates():
			if !ok {
				return
			}
			log.Debug("Call state", zap.String("status", string(st.Status)), zap.String("duration", st.Duration))
		}
	}
}
