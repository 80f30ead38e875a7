// Package config externalizes every tunable of the orchestration engine.
// Values load from an optional YAML file, then TASKFORGE_* environment
// variables override file values, then hard defaults fill the gaps.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the engine.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	Environment    string   `mapstructure:"environment"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	DatabaseURL           string        `mapstructure:"database_url"`
	UnavailableGrace      time.Duration `mapstructure:"unavailable_grace"`
	ConflictRetryAttempts int           `mapstructure:"conflict_retry_attempts"`
}

// SchedulerConfig configures the workspace supervisor loop.
type SchedulerConfig struct {
	TickInterval            time.Duration `mapstructure:"tick_interval"`
	GoalValidationSchedule  string        `mapstructure:"goal_validation_schedule"`
	RecoverySweepInterval   time.Duration `mapstructure:"recovery_sweep_interval"`
	MaxConcurrentTasks      int           `mapstructure:"max_concurrent_tasks_per_workspace"`
	DegradedConcurrency     int           `mapstructure:"degraded_concurrency"`
	GlobalConcurrency       int           `mapstructure:"global_concurrency"`
	ShutdownGrace           time.Duration `mapstructure:"shutdown_grace"`
	QueueCeiling            int           `mapstructure:"queue_ceiling"`
	AgentAffinityThreshold  float64       `mapstructure:"agent_affinity_threshold"`
	AgentStarvationCooldown time.Duration `mapstructure:"agent_starvation_cooldown"`
}

// ExecutorConfig bounds a single task execution.
type ExecutorConfig struct {
	TaskTimeout      time.Duration `mapstructure:"task_timeout"`
	ToolTimeout      time.Duration `mapstructure:"tool_timeout"`
	MaxToolRounds    int           `mapstructure:"max_tool_rounds"`
	MaxOutputBytes   int           `mapstructure:"max_output_bytes"`
	PromptTokenLimit int           `mapstructure:"prompt_token_limit"`
}

// RecoveryConfig bounds the autonomous recovery engine.
type RecoveryConfig struct {
	MaxAutoAttempts     int           `mapstructure:"max_auto_recovery_attempts"`
	DelayBase           time.Duration `mapstructure:"delay_base"`
	DelayCap            time.Duration `mapstructure:"delay_cap"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	PatternDecomposeMin int           `mapstructure:"pattern_decompose_min"`
}

// DeliveryConfig bounds deliverable aggregation and content transformation.
type DeliveryConfig struct {
	ReadinessThreshold        float64       `mapstructure:"readiness_threshold"`
	MinCompletedTasks         int           `mapstructure:"min_completed_tasks_for_deliverable"`
	TransformTimeout          time.Duration `mapstructure:"transform_timeout"`
	TransformCacheSize        int           `mapstructure:"transform_cache_size"`
	SkipFallbackContribution  float64       `mapstructure:"skip_fallback_contribution"`
}

// MemoryConfig bounds the workspace memory store.
type MemoryConfig struct {
	MaxInsightsPerWorkspace int           `mapstructure:"max_insights_per_workspace"`
	EvictionMinAge          time.Duration `mapstructure:"eviction_min_age"`
}

// ProviderConfig configures the LLM capability.
type ProviderConfig struct {
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
	Model         string  `mapstructure:"model"`
}

// TelemetryConfig configures observability exporters.
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	PrometheusPort int    `mapstructure:"prometheus_port"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
}

// Load reads configuration from the given file path (optional, "" skips the
// file) with TASKFORGE_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TASKFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without file or env input.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always unmarshal cleanly.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.environment", "development")

	v.SetDefault("store.database_url", "")
	v.SetDefault("store.unavailable_grace", 60*time.Second)
	v.SetDefault("store.conflict_retry_attempts", 1)

	v.SetDefault("scheduler.tick_interval", 2*time.Second)
	v.SetDefault("scheduler.goal_validation_schedule", "*/20 * * * *")
	v.SetDefault("scheduler.recovery_sweep_interval", 60*time.Second)
	v.SetDefault("scheduler.max_concurrent_tasks_per_workspace", 4)
	v.SetDefault("scheduler.degraded_concurrency", 2)
	v.SetDefault("scheduler.global_concurrency", 32)
	v.SetDefault("scheduler.shutdown_grace", 30*time.Second)
	v.SetDefault("scheduler.queue_ceiling", 200)
	v.SetDefault("scheduler.agent_affinity_threshold", 0.3)
	v.SetDefault("scheduler.agent_starvation_cooldown", 60*time.Second)

	v.SetDefault("executor.task_timeout", 180*time.Second)
	v.SetDefault("executor.tool_timeout", 30*time.Second)
	v.SetDefault("executor.max_tool_rounds", 8)
	v.SetDefault("executor.max_output_bytes", 64*1024)
	v.SetDefault("executor.prompt_token_limit", 32768)

	v.SetDefault("recovery.max_auto_recovery_attempts", 5)
	v.SetDefault("recovery.delay_base", 30*time.Second)
	v.SetDefault("recovery.delay_cap", 600*time.Second)
	v.SetDefault("recovery.confidence_threshold", 0.7)
	v.SetDefault("recovery.pattern_decompose_min", 3)

	v.SetDefault("delivery.readiness_threshold", 100.0)
	v.SetDefault("delivery.min_completed_tasks_for_deliverable", 2)
	v.SetDefault("delivery.transform_timeout", 30*time.Second)
	v.SetDefault("delivery.transform_cache_size", 1024)
	v.SetDefault("delivery.skip_fallback_contribution", 0.8)

	v.SetDefault("memory.max_insights_per_workspace", 100)
	v.SetDefault("memory.eviction_min_age", 24*time.Hour)

	v.SetDefault("provider.rate_per_second", 2.0)
	v.SetDefault("provider.burst", 4)
	v.SetDefault("provider.model", "gpt-4o-mini")

	v.SetDefault("telemetry.metrics_enabled", true)
	v.SetDefault("telemetry.prometheus_port", 9090)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.log_level", "info")
	v.SetDefault("telemetry.log_format", "text")
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_tasks_per_workspace must be positive")
	}
	if c.Scheduler.DegradedConcurrency <= 0 || c.Scheduler.DegradedConcurrency > c.Scheduler.MaxConcurrentTasks {
		return fmt.Errorf("scheduler.degraded_concurrency must be in (0, max_concurrent_tasks]")
	}
	if c.Scheduler.GlobalConcurrency < c.Scheduler.MaxConcurrentTasks {
		return fmt.Errorf("scheduler.global_concurrency must be >= per-workspace cap")
	}
	if c.Recovery.MaxAutoAttempts <= 0 {
		return fmt.Errorf("recovery.max_auto_recovery_attempts must be positive")
	}
	if c.Recovery.DelayCap < c.Recovery.DelayBase {
		return fmt.Errorf("recovery.delay_cap must be >= delay_base")
	}
	if c.Memory.MaxInsightsPerWorkspace <= 0 {
		return fmt.Errorf("memory.max_insights_per_workspace must be positive")
	}
	if c.Delivery.MinCompletedTasks < 1 {
		return fmt.Errorf("delivery.min_completed_tasks_for_deliverable must be >= 1")
	}
	return nil
}
