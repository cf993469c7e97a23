package config

import (
	"log/slog"
	"time"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment            string
	Addr                   string
	LogLevel               slog.Level
	DatabaseURL            string
	MigrationsDir          string
	JWTSecret              string
	EnvEncryptionKey       string
	RedisURL               string
	LogChannelPattern      string
	FrontendURL            string
	DockerHost             string
	WorkerImage            string
	WorkerNetwork          string
	WorkerAccessKeyID      string
	WorkerSecretAccessKey  string
	SlugGenerationAttempts int
	SerializeBuilds        bool
	BuildLeaseTTL          time.Duration
	BrokerHealthEvery      time.Duration
	WSSendBuffer           int
	SSEHeartbeat           time.Duration
	RateLimitBackend       string
}

// LoadAPIConfig constructs an APIConfig from environment variables. A .env
// file in the working directory is honoured when present.
func LoadAPIConfig() APIConfig {
	LoadDotEnv()
	return APIConfig{
		Environment:            GetString("APP_ENV", "development"),
		Addr:                   GetString("API_ADDR", ":9000"),
		LogLevel:               GetLevel("LOG_LEVEL", slog.LevelInfo),
		DatabaseURL:            GetString("DATABASE_URL", "postgres://launchpad:launchpad@db:5432/launchpad?sslmode=disable"),
		MigrationsDir:          GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:              GetString("JWT_SECRET", "supersecuresecret"),
		EnvEncryptionKey:       GetString("ENV_ENCRYPTION_KEY", "supersecuresecret"),
		RedisURL:               GetString("REDIS_URL", "redis://redis:6379/0"),
		LogChannelPattern:      GetString("LOG_CHANNEL_PATTERN", "logs:*"),
		FrontendURL:            GetString("FRONTEND_URL", "http://localhost:3000"),
		DockerHost:             GetString("DOCKER_HOST", ""),
		WorkerImage:            GetString("WORKER_IMAGE", "build-server"),
		WorkerNetwork:          GetString("WORKER_NETWORK", "host"),
		WorkerAccessKeyID:      GetString("WORKER_ACCESS_KEY_ID", ""),
		WorkerSecretAccessKey:  GetString("WORKER_SECRET_ACCESS_KEY", ""),
		SlugGenerationAttempts: GetInt("SLUG_GENERATION_ATTEMPTS", 5),
		SerializeBuilds:        GetBool("BUILD_SERIALIZE_PER_SLUG", false),
		BuildLeaseTTL:          GetSeconds("BUILD_LEASE_TTL_SECONDS", 1800),
		BrokerHealthEvery:      GetSeconds("BROKER_HEALTH_SECONDS", 15),
		WSSendBuffer:           GetInt("WS_SEND_BUFFER", 256),
		SSEHeartbeat:           GetSeconds("SSE_HEARTBEAT_SECONDS", 15),
		RateLimitBackend:       GetString("RATE_LIMIT_BACKEND", "memory"),
	}
}
