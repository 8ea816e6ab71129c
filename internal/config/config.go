package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"       validate:"required"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator" validate:"required"`
}

// ServerConfig contains process-level settings.
type ServerConfig struct {
	LogLevel    string `mapstructure:"log_level"    validate:"required,oneof=debug info warn error"`
	MetricsPort int    `mapstructure:"metrics_port" validate:"gte=0,lt=65536"`
}

// DatabaseConfig contains all database-related configuration settings.
// An empty URL selects the in-memory store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// OrchestratorConfig contains the task orchestration settings.
type OrchestratorConfig struct {
	// MaxParallelTasks caps the number of tasks in progress at once.
	MaxParallelTasks int `mapstructure:"max_parallel_tasks" validate:"required,gt=0"`

	// DefaultMaxRetries is applied to tasks created without an explicit
	// retry budget.
	DefaultMaxRetries int `mapstructure:"default_max_retries" validate:"gte=0"`

	// SchedulerTickIntervalSeconds is the period of the tick that
	// promotes due scheduled tasks and expired retry backoffs.
	SchedulerTickIntervalSeconds int `mapstructure:"scheduler_tick_interval" validate:"required,gt=0"`

	// BackoffBaseSeconds is the base of the exponential retry backoff:
	// the delay before retry attempt k is base^k seconds.
	BackoffBaseSeconds int `mapstructure:"backoff_base" validate:"required,gt=0"`
}
