package signaling

import (
	"context"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatcall-backend/internal/database"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
)

// Reaper applies the disconnect writes of Redis connections whose lease
// expired without a clean Close. Several reapers may run against the same
// Redis; each lapsed lease is claimed by exactly one of them.
type Reaper struct {
	db       *database.RedisClient
	clock    clock.Clock
	interval time.Duration
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewReaper(db *database.RedisClient, clk clock.Clock, interval time.Duration, m *metrics.Metrics) *Reaper {
	if clk == nil {
		clk = clock.New()
	}
	return &Reaper{
		db:       db,
		clock:    clk,
		interval: interval,
		metrics:  m,
		log:      logger.Named("signaling.reaper"),
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	t := r.clock.Ticker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Warn("Reaper sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep expires every lapsed lease once and returns the number of wills applied.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := strconv.FormatInt(r.clock.Now().UnixMilli(), 10)
	ids, err := r.db.SafeZRangeByScore(ctx, connsKey, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range ids {
		n, err := expireConnection(ctx, r.db, r.clock, id, false)
		if err != nil {
			r.log.Warn("Failed to apply disconnect writes", zap.String("conn_id", id), zap.Error(err))
		}
		if n > 0 {
			r.log.Info("Connection lease expired", zap.String("conn_id", id), zap.Int("wills", n))
		}
		total += n
	}
	if r.metrics != nil && total > 0 {
		r.metrics.RecordWillsFired(total)
	}
	return total, nil
}
