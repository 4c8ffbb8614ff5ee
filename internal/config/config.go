package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Batch    BatchConfig    `mapstructure:"batch"    validate:"required"`
	LLM      LLMConfig      `mapstructure:"llm"      validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Storage  StorageConfig  `mapstructure:"storage"  validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"             validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level"        validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL          string `mapstructure:"url"            validate:"required,url"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gt=0"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" validate:"gte=0"`
	// AutoMigrate applies pending goose migrations at startup.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// BatchConfig tunes the batch job engine.
type BatchConfig struct {
	// DefaultConcurrency is used when a request does not name a concurrency.
	DefaultConcurrency int `mapstructure:"default_concurrency" validate:"gte=1,lte=10"`

	// DefaultTier selects the rate limit preset used when a request does not
	// give an explicit rate.
	DefaultTier string `mapstructure:"default_tier" validate:"required,oneof=high constrained"`

	// MaxAttempts is the total number of attempts per item, first try included.
	MaxAttempts int `mapstructure:"max_attempts" validate:"gte=1,lte=10"`

	// RetryBaseDelay is the wait before the first retry; later retries double it.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`

	// FlushInterval controls how often buffered counter deltas are written to the store.
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gt=0"`

	// EvictionGrace is how long a terminal job stays in memory.
	EvictionGrace time.Duration `mapstructure:"eviction_grace" validate:"gt=0"`

	// EvictionInterval is how often the eviction sweep runs.
	EvictionInterval time.Duration `mapstructure:"eviction_interval" validate:"gt=0"`

	// RecentErrorLimit caps the errors returned with a status snapshot.
	RecentErrorLimit int `mapstructure:"recent_error_limit" validate:"gte=1,lte=100"`

	// InstanceID names this process in job ownership records. Empty uses the hostname.
	InstanceID string `mapstructure:"instance_id" validate:"omitempty,max=128"`

	// OrphanTimeout is how long another instance's unfinished job may go
	// without a store write before startup recovery marks it failed.
	OrphanTimeout time.Duration `mapstructure:"orphan_timeout" validate:"gt=0"`
}

// LLMConfig contains all LLM integration related settings.
type LLMConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key" validate:"required"`
	ModelName    string `mapstructure:"model_name"     validate:"required"`
	// PromptTemplatePath points at a text/template file; empty uses the built-in prompt.
	PromptTemplatePath string        `mapstructure:"prompt_template_path"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"      validate:"gt=0"`
}

// RedisConfig configures the cross-process progress cache.
// An empty Addr disables the cache.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"           validate:"gte=0"`
	ProgressTTL time.Duration `mapstructure:"progress_ttl" validate:"gt=0"`
}

// StorageConfig locates the object store holding the images to annotate.
type StorageConfig struct {
	Bucket string `mapstructure:"bucket" validate:"required"`
	Region string `mapstructure:"region" validate:"required"`
	// Endpoint overrides the S3 endpoint for S3-compatible stores (R2, MinIO).
	Endpoint        string `mapstructure:"endpoint"          validate:"omitempty,url"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}
