package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Optional config.yaml next to the binary; absence is not an error.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables use the INKLOOM_ prefix with underscores for
	// nesting, e.g. INKLOOM_DATABASE_URL, INKLOOM_TASK_WORKER_COUNT.
	v.SetEnvPrefix("INKLOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("auth.token_lifetime_min", 60)

	v.SetDefault("llm.model_name", "gemini-2.0-flash")

	v.SetDefault("task.worker_count", 4)
	v.SetDefault("task.queue_size", 256)
	v.SetDefault("task.max_retries", 3)
	v.SetDefault("task.retry_base_delay", "2s")
	v.SetDefault("task.retry_max_delay", "5m")
	v.SetDefault("task.stale_running_age", "30m")
	v.SetDefault("task.dedup_ttl", "10m")
	v.SetDefault("task.event_queue_capacity", 1024)

	v.SetDefault("nats.dispatch_subject", "tasks.dispatch")
	v.SetDefault("nats.dispatch_queue", "task-workers")
	v.SetDefault("nats.event_prefix", "tasks.events")

	v.SetDefault("ratelimit.capacity", 60)
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("ratelimit.error_penalty", 5)
}

// bindEnvKeys makes AutomaticEnv see nested keys that have no default and
// no config-file entry, such as the required secrets.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"database.url",
		"auth.jwt_secret",
		"llm.gemini_api_key",
		"nats.url",
	} {
		// BindEnv with one argument derives the variable name from the
		// prefix and replacer.
		_ = v.BindEnv(key)
	}
}
