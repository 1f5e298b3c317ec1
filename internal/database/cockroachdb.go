package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"chatcall-backend/pkg/constants"
	"chatcall-backend/pkg/logger"
)

// DBConfig contains database pool configuration
type DBConfig struct {
	MaxConns          int
	MinConns          int
	ConnMaxLifetime   time.Duration
	ConnMaxIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() *DBConfig {
	return &DBConfig{
		MaxConns:          25,
		MinConns:          2,
		ConnMaxLifetime:   constants.MaxConnLifetime,
		ConnMaxIdleTime:   constants.MaxConnIdleTime,
		HealthCheckPeriod: constants.HealthCheckPeriod,
	}
}

// DB wraps the pgxpool.Pool used by the call archive
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a CockroachDB connection pool and verifies it with a ping
func NewDB(ctx context.Context, connString string, dbConfig *DBConfig) (*DB, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	if dbConfig == nil {
		dbConfig = DefaultDBConfig()
	}
	if dbConfig.MaxConns > 0 {
		config.MaxConns = int32(dbConfig.MaxConns)
	}
	if dbConfig.MinConns > 0 {
		config.MinConns = int32(dbConfig.MinConns)
	}
	config.MaxConnLifetime = dbConfig.ConnMaxLifetime
	config.MaxConnIdleTime = dbConfig.ConnMaxIdleTime
	config.HealthCheckPeriod = dbConfig.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to CockroachDB",
		zap.String("host", config.ConnConfig.Host),
		zap.String("database", config.ConnConfig.Database),
		zap.Int32("max_conns", config.MaxConns))

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.Pool.Close()
	logger.Info("Database connection pool closed")
	return nil
}
