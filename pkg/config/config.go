package config

import (
	"fmt"
	"strings"
	"time"

	"chatcall-backend/pkg/constants"
	"chatcall-backend/pkg/env"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Signaling SignalingConfig
	Call      CallConfig
	Chat      ChatConfig
	Push      PushConfig
	Archive   ArchiveConfig
	JWT       JWTConfig
	Log       LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
	CORSOrigins []string
	RateLimit   int // requests per minute per user, 0 disables
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// SignalingConfig selects and tunes the signaling transport
type SignalingConfig struct {
	Backend        string // redis, memory
	LeaseTTL       time.Duration
	Heartbeat      time.Duration
	ReaperInterval time.Duration
}

// CallConfig holds call negotiation settings
type CallConfig struct {
	STUNServers  []string
	RingTimeout  time.Duration // 0 disables the ring timeout
	DurationTick time.Duration
}

// ChatConfig holds messaging settings
type ChatConfig struct {
	TypingQuietWindow time.Duration
	ProfileCacheTTL   time.Duration
	ProfileCacheSize  int
}

// PushConfig holds push provider configuration
type PushConfig struct {
	Provider        string // mock, fcm, apns
	FirebaseProject string
	FirebaseCreds   string
	APNSKeyPath     string
	APNSKeyID       string
	APNSTeamID      string
	APNSTopic       string
	APNSProduction  bool
}

// ArchiveConfig holds CockroachDB configuration for the ended-call archive
type ArchiveConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret   string
	Audience string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	return LoadFrom(env.New())
}

// LoadFrom builds the configuration from e. Malformed values are load errors.
func LoadFrom(e *env.Reader) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        e.Int("PORT", 8080),
			Environment: e.String("ENV", "development"),
			ServiceName: e.String("SERVICE_NAME", "call-service"),
			CORSOrigins: e.List("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://127.0.0.1:3000"}),
			RateLimit:   e.Int("RATE_LIMIT_PER_MINUTE", 120),
		},
		Redis: RedisConfig{
			Host:     e.String("REDIS_HOST", "localhost"),
			Port:     e.Int("REDIS_PORT", 6379),
			Password: e.Secret("REDIS_PASSWORD", ""),
			DB:       e.Int("REDIS_DB", 0),
			PoolSize: e.Int("REDIS_POOL_SIZE", 10),
			Timeout:  e.Duration("REDIS_TIMEOUT", 5*time.Second),
		},
		Signaling: SignalingConfig{
			Backend:        e.String("SIGNALING_BACKEND", "redis"),
			LeaseTTL:       e.Duration("SIGNALING_LEASE_TTL", constants.ConnectionLeaseTTL),
			Heartbeat:      e.Duration("SIGNALING_HEARTBEAT", constants.ConnectionHeartbeat),
			ReaperInterval: e.Duration("SIGNALING_REAPER_INTERVAL", constants.ReaperInterval),
		},
		Call: CallConfig{
			STUNServers:  e.List("ICE_STUN_SERVERS", splitDefault(constants.DefaultSTUNServers)),
			RingTimeout:  e.Duration("CALL_RING_TIMEOUT", constants.DefaultRingTimeout),
			DurationTick: e.Duration("CALL_DURATION_TICK", constants.DurationTick),
		},
		Chat: ChatConfig{
			TypingQuietWindow: e.Duration("TYPING_QUIET_WINDOW", constants.TypingQuietWindow),
			ProfileCacheTTL:   e.Duration("PROFILE_CACHE_TTL", 5*time.Minute),
			ProfileCacheSize:  e.Int("PROFILE_CACHE_SIZE", 10000),
		},
		Push: PushConfig{
			Provider:        e.String("PUSH_PROVIDER", "mock"),
			FirebaseProject: e.String("FIREBASE_PROJECT_ID", ""),
			FirebaseCreds:   e.Secret("FIREBASE_CREDENTIALS", ""),
			APNSKeyPath:     e.String("APNS_KEY_PATH", ""),
			APNSKeyID:       e.String("APNS_KEY_ID", ""),
			APNSTeamID:      e.String("APNS_TEAM_ID", ""),
			APNSTopic:       e.String("APNS_TOPIC", ""),
			APNSProduction:  e.Bool("APNS_PRODUCTION", false),
		},
		Archive: ArchiveConfig{
			Enabled:  e.Bool("ARCHIVE_ENABLED", false),
			Host:     e.String("DB_HOST", "localhost"),
			Port:     e.Int("DB_PORT", 26257),
			User:     e.String("DB_USER", "root"),
			Password: e.Secret("DB_PASSWORD", ""),
			Database: e.String("DB_NAME", "chatcall"),
			SSLMode:  e.String("DB_SSL_MODE", "disable"),
			MaxConns: e.Int("DB_MAX_CONNS", 10),
			MinConns: e.Int("DB_MIN_CONNS", 2),
		},
		JWT: JWTConfig{
			Secret:   e.Secret("JWT_SECRET", ""),
			Audience: e.String("JWT_AUDIENCE", "chatcall-api"),
		},
		Log: LogConfig{
			Level:    e.String("LOG_LEVEL", "info"),
			Format:   e.String("LOG_FORMAT", "json"),
			Output:   e.String("LOG_OUTPUT", "stdout"),
			FilePath: e.String("LOG_FILE_PATH", "/logs/app.log"),
		},
	}

	if err := e.Err(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.Signaling.Backend == "memory" {
			return fmt.Errorf("SIGNALING_BACKEND=memory is single-node only and not allowed in production")
		}
	}

	switch c.Signaling.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown SIGNALING_BACKEND %q", c.Signaling.Backend)
	}

	if c.Signaling.Heartbeat <= 0 || c.Signaling.LeaseTTL <= c.Signaling.Heartbeat {
		return fmt.Errorf("SIGNALING_LEASE_TTL (%s) must exceed SIGNALING_HEARTBEAT (%s)",
			c.Signaling.LeaseTTL, c.Signaling.Heartbeat)
	}

	if c.Call.RingTimeout < 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must not be negative")
	}
	if c.Call.DurationTick <= 0 {
		return fmt.Errorf("CALL_DURATION_TICK must be positive")
	}
	if c.Chat.TypingQuietWindow <= 0 {
		return fmt.Errorf("TYPING_QUIET_WINDOW must be positive")
	}
	if len(c.Call.STUNServers) == 0 {
		return fmt.Errorf("at least one ICE STUN server is required")
	}

	return nil
}

// ArchiveDSN returns the CockroachDB connection string for the call archive
func (c *Config) ArchiveDSN() string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		c.Archive.User, c.Archive.Password, c.Archive.Host, c.Archive.Port, c.Archive.Database, c.Archive.SSLMode)
}

func splitDefault(list string) []string {
	parts := strings.Split(list, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
