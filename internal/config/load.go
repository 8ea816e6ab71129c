package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from an optional config file and environment
// variables. Environment variables use the TASKFORGE_ prefix with
// underscores for nesting (e.g. TASKFORGE_ORCHESTRATOR_MAX_PARALLEL_TASKS)
// and take precedence over file values. Returns a validated Config or
// an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.metrics_port", 0)
	v.SetDefault("database.url", "")
	v.SetDefault("orchestrator.max_parallel_tasks", 4)
	v.SetDefault("orchestrator.default_max_retries", 3)
	v.SetDefault("orchestrator.scheduler_tick_interval", 1)
	v.SetDefault("orchestrator.backoff_base", 2)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TASKFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars and defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
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
