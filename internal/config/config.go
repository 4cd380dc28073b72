package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"    validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"  validate:"required"`
	Auth      AuthConfig      `mapstructure:"auth"      validate:"required"`
	LLM       LLMConfig       `mapstructure:"llm"       validate:"required"`
	Task      TaskConfig      `mapstructure:"task"      validate:"required"`
	NATS      NATSConfig      `mapstructure:"nats"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret        string `mapstructure:"jwt_secret"         validate:"required,min=32"`
	TokenLifetimeMin int    `mapstructure:"token_lifetime_min" validate:"required,gt=0"`
}

// LLMConfig contains all AI integration related settings.
type LLMConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key" validate:"required"`
	ModelName    string `mapstructure:"model_name"     validate:"required"`
}

// TaskConfig tunes the background task engine.
type TaskConfig struct {
	WorkerCount        int           `mapstructure:"worker_count"         validate:"required,gt=0"`
	QueueSize          int           `mapstructure:"queue_size"           validate:"required,gt=0"`
	MaxRetries         int           `mapstructure:"max_retries"          validate:"gte=0"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"     validate:"required"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay"      validate:"required"`
	StaleRunningAge    time.Duration `mapstructure:"stale_running_age"    validate:"required"`
	DedupTTL           time.Duration `mapstructure:"dedup_ttl"            validate:"required"`
	EventQueueCapacity int           `mapstructure:"event_queue_capacity" validate:"required,gt=0"`
}

// NATSConfig configures the optional NATS transport. An empty URL keeps
// dispatch and event mirroring in-process.
type NATSConfig struct {
	URL             string `mapstructure:"url"`
	DispatchSubject string `mapstructure:"dispatch_subject"`
	DispatchQueue   string `mapstructure:"dispatch_queue"`
	EventPrefix     string `mapstructure:"event_prefix"`
}

// RateLimitConfig tunes the per-model AI request limiter.
type RateLimitConfig struct {
	Capacity     int           `mapstructure:"capacity"      validate:"gte=0"`
	Window       time.Duration `mapstructure:"window"`
	ErrorPenalty int           `mapstructure:"error_penalty" validate:"gte=0"`
}
