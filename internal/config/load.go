package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "SCRY"

// keys without a default value that must still be bound to the environment
var envOnlyKeys = []string{
	"database.url",
	"batch.instance_id",
	"llm.gemini_api_key",
	"llm.prompt_template_path",
	"redis.addr",
	"redis.password",
	"storage.bucket",
	"storage.endpoint",
	"storage.access_key_id",
	"storage.secret_access_key",
}

// Load configuration from environment variables and optionally a config file.
// Environment variables take precedence over values from the config file.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind environment variable for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("batch.default_concurrency", 5)
	v.SetDefault("batch.default_tier", "high")
	v.SetDefault("batch.max_attempts", 3)
	v.SetDefault("batch.retry_base_delay", 2*time.Second)
	v.SetDefault("batch.flush_interval", time.Second)
	v.SetDefault("batch.eviction_grace", 10*time.Minute)
	v.SetDefault("batch.eviction_interval", time.Minute)
	v.SetDefault("batch.recent_error_limit", 10)
	v.SetDefault("batch.orphan_timeout", time.Hour)

	v.SetDefault("llm.model_name", "gemini-2.0-flash")
	v.SetDefault("llm.request_timeout", 60*time.Second)

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.progress_ttl", 24*time.Hour)

	v.SetDefault("storage.region", "us-east-1")
}
