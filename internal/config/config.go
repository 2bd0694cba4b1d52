// Package config loads and validates the YAML-shaped configuration for
// every core component: nested yaml-tagged structs, an env-override
// pass after parse, per-section defaulting, then validation.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level on-disk configuration shape.
type Config struct {
	Task        TaskConfig        `yaml:"task"`
	Analyzer    AnalyzerConfig    `yaml:"analyzer"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Pool        PoolConfig        `yaml:"pool"`
	Readiness   ReadinessConfig   `yaml:"readiness"`
	Journal     JournalConfig     `yaml:"journal"`
	Logging     LoggingConfig     `yaml:"logging"`
	Backend     BackendConfig     `yaml:"backend"`
}

// TaskConfig holds the loop's default budgets.
type TaskConfig struct {
	MaxIterations        int  `yaml:"max_iterations"`
	PerCallTimeoutMs     int  `yaml:"per_call_timeout_ms"`
	OverallTimeoutMs     int  `yaml:"overall_timeout_ms"`
	MaxConsecutiveErrors int  `yaml:"max_consecutive_errors"`
	ContinueOnError      bool `yaml:"continue_on_error"`
	TailContextChars     int  `yaml:"tail_context_chars"`
}

func (c TaskConfig) Validate() error {
	if c.MaxIterations < 1 || c.MaxIterations > 100 {
		return fmt.Errorf("task.max_iterations must be in [1,100], got %d", c.MaxIterations)
	}
	if c.PerCallTimeoutMs <= 0 {
		return fmt.Errorf("task.per_call_timeout_ms must be positive")
	}
	if c.OverallTimeoutMs <= 0 {
		return fmt.Errorf("task.overall_timeout_ms must be positive")
	}
	if c.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("task.max_consecutive_errors must be at least 1")
	}
	return nil
}

// AnalyzerConfig holds CompletionAnalyzer thresholds.
type AnalyzerConfig struct {
	CompletionThreshold       float64 `yaml:"completion_threshold"`
	StrongCompletionThreshold float64 `yaml:"strong_completion_threshold"`
	SubstantiveLengthFloor    int     `yaml:"substantive_length_floor"`
	SlowIterationMs           int64   `yaml:"slow_iteration_ms"`
}

func (c AnalyzerConfig) Validate() error {
	if c.CompletionThreshold <= 0 || c.CompletionThreshold >= 1 {
		return fmt.Errorf("analyzer.completion_threshold must be in (0,1)")
	}
	if c.StrongCompletionThreshold <= c.CompletionThreshold || c.StrongCompletionThreshold >= 1 {
		return fmt.Errorf("analyzer.strong_completion_threshold must be in (completion_threshold,1)")
	}
	return nil
}

// CoordinatorConfig holds DualAgentCoordinator budgets.
type CoordinatorConfig struct {
	QualityGateThreshold float64 `yaml:"quality_gate_threshold"`
	MaxCycles            int     `yaml:"max_cycles"`
	RetryPerStep         int     `yaml:"retry_per_step"`
	ExecutorInnerMax     int     `yaml:"executor_inner_max"`
}

func (c CoordinatorConfig) Validate() error {
	if c.QualityGateThreshold <= 0 || c.QualityGateThreshold >= 1 {
		return fmt.Errorf("coordinator.quality_gate_threshold must be in (0,1)")
	}
	if c.MaxCycles < 1 {
		return fmt.Errorf("coordinator.max_cycles must be at least 1")
	}
	if c.ExecutorInnerMax < 1 {
		return fmt.Errorf("coordinator.executor_inner_max must be at least 1")
	}
	return nil
}

// PoolConfig holds ObserverSessionPool settings.
type PoolConfig struct {
	MinConnections       int           `yaml:"min_connections"`
	MaxConnections       int           `yaml:"max_connections"`
	ConnectionTTL        time.Duration `yaml:"connection_ttl"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	AcquireTimeout       time.Duration `yaml:"acquire_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval"`
	LoadBalancingStrategy string       `yaml:"load_balancing_strategy"`
	EnableBackfill       bool          `yaml:"enable_backfill"`
	BackfillCount        int           `yaml:"backfill_count"`
	QueueCapacity        int           `yaml:"queue_capacity"`
	UnhealthyDropThreshold int         `yaml:"unhealthy_drop_threshold"`
	OriginAllowlist      []string      `yaml:"origin_allowlist"`
}

func (c PoolConfig) Validate() error {
	if c.MinConnections < 0 {
		return fmt.Errorf("pool.min_connections must be >= 0")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("pool.max_connections must be at least 1")
	}
	if c.MinConnections > c.MaxConnections {
		return fmt.Errorf("pool.min_connections must be <= max_connections")
	}
	switch c.LoadBalancingStrategy {
	case "roundRobin", "leastLoaded", "weighted":
	default:
		return fmt.Errorf("pool.load_balancing_strategy must be one of roundRobin, leastLoaded, weighted")
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("pool.queue_capacity must be at least 1")
	}
	return nil
}

// ReadinessConfig holds ReadinessProbe cache settings.
type ReadinessConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

func (c ReadinessConfig) Validate() error {
	if c.CacheTTL <= 0 {
		return fmt.Errorf("readiness.cache_ttl must be positive")
	}
	return nil
}

// JournalConfig holds SessionJournal storage settings.
type JournalConfig struct {
	Directory              string `yaml:"directory"`
	FirstPromptExcerptChars int   `yaml:"first_prompt_excerpt_chars"`
}

func (c JournalConfig) Validate() error {
	if c.Directory == "" {
		return fmt.Errorf("journal.directory is required")
	}
	return nil
}

// LoggingConfig mirrors observability.LogConfig's on-disk shape, plus
// the toggle for the in-process diagnostic event stream.
type LoggingConfig struct {
	Level             string `yaml:"level"`
	Format            string `yaml:"format"`
	AddSource         bool   `yaml:"add_source"`
	EnableDiagnostics bool   `yaml:"enable_diagnostics"`
}

// BackendConfig selects and configures the concrete LLMBackend.
type BackendConfig struct {
	Provider       string `yaml:"provider"` // "anthropic" | "openai" | "gemini" | "fake"
	AnthropicModel string `yaml:"anthropic_model"`
	OpenAIModel    string `yaml:"openai_model"`
	GeminiModel    string `yaml:"gemini_model"`
	MaxRetries     int    `yaml:"max_retries"`
}

func (c BackendConfig) Validate() error {
	switch c.Provider {
	case "anthropic", "openai", "gemini", "fake":
	default:
		return fmt.Errorf("backend.provider must be one of anthropic, openai, gemini, fake")
	}
	return nil
}

// Load reads, env-overrides, defaults and validates the configuration
// at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected single document")
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a fully-defaulted Config with no file backing, used
// by tests and the CLI's zero-config path.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Task.MaxIterations == 0 {
		cfg.Task.MaxIterations = 10
	}
	if cfg.Task.PerCallTimeoutMs == 0 {
		cfg.Task.PerCallTimeoutMs = 120_000
	}
	if cfg.Task.OverallTimeoutMs == 0 {
		cfg.Task.OverallTimeoutMs = 1_800_000
	}
	if cfg.Task.MaxConsecutiveErrors == 0 {
		cfg.Task.MaxConsecutiveErrors = 3
	}
	if cfg.Task.TailContextChars == 0 {
		cfg.Task.TailContextChars = 4000
	}

	if cfg.Analyzer.CompletionThreshold == 0 {
		cfg.Analyzer.CompletionThreshold = 0.7
	}
	if cfg.Analyzer.StrongCompletionThreshold == 0 {
		cfg.Analyzer.StrongCompletionThreshold = 0.85
	}
	if cfg.Analyzer.SubstantiveLengthFloor == 0 {
		cfg.Analyzer.SubstantiveLengthFloor = 40
	}
	if cfg.Analyzer.SlowIterationMs == 0 {
		cfg.Analyzer.SlowIterationMs = 60_000
	}

	if cfg.Coordinator.QualityGateThreshold == 0 {
		cfg.Coordinator.QualityGateThreshold = 0.75
	}
	if cfg.Coordinator.MaxCycles == 0 {
		cfg.Coordinator.MaxCycles = 5
	}
	if cfg.Coordinator.RetryPerStep == 0 {
		cfg.Coordinator.RetryPerStep = 2
	}
	if cfg.Coordinator.ExecutorInnerMax == 0 {
		cfg.Coordinator.ExecutorInnerMax = 3
	}

	if cfg.Pool.MaxConnections == 0 {
		cfg.Pool.MaxConnections = 100
	}
	if cfg.Pool.MinConnections == 0 {
		cfg.Pool.MinConnections = 2
	}
	if cfg.Pool.ConnectionTTL == 0 {
		cfg.Pool.ConnectionTTL = 1 * time.Hour
	}
	if cfg.Pool.IdleTimeout == 0 {
		cfg.Pool.IdleTimeout = 5 * time.Minute
	}
	if cfg.Pool.AcquireTimeout == 0 {
		cfg.Pool.AcquireTimeout = 5 * time.Second
	}
	if cfg.Pool.HeartbeatInterval == 0 {
		cfg.Pool.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Pool.HeartbeatTimeout == 0 {
		cfg.Pool.HeartbeatTimeout = 45 * time.Second
	}
	if cfg.Pool.HealthCheckInterval == 0 {
		cfg.Pool.HealthCheckInterval = 30 * time.Second
	}
	if cfg.Pool.LoadBalancingStrategy == "" {
		cfg.Pool.LoadBalancingStrategy = "roundRobin"
	}
	if cfg.Pool.BackfillCount == 0 {
		cfg.Pool.BackfillCount = 50
	}
	if cfg.Pool.QueueCapacity == 0 {
		cfg.Pool.QueueCapacity = 100
	}
	if cfg.Pool.UnhealthyDropThreshold == 0 {
		cfg.Pool.UnhealthyDropThreshold = 20
	}

	if cfg.Readiness.CacheTTL == 0 {
		cfg.Readiness.CacheTTL = 60 * time.Second
	}

	if cfg.Journal.Directory == "" {
		cfg.Journal.Directory = "./sessions"
	}
	if cfg.Journal.FirstPromptExcerptChars == 0 {
		cfg.Journal.FirstPromptExcerptChars = 200
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Backend.Provider == "" {
		cfg.Backend.Provider = "fake"
	}
	if cfg.Backend.MaxRetries == 0 {
		cfg.Backend.MaxRetries = 3
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("AUTOPILOT_MAX_ITERATIONS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Task.MaxIterations = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("AUTOPILOT_BACKEND_PROVIDER")); v != "" {
		cfg.Backend.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv("AUTOPILOT_JOURNAL_DIR")); v != "" {
		cfg.Journal.Directory = v
	}
	if v := strings.TrimSpace(os.Getenv("AUTOPILOT_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("AUTOPILOT_POOL_MAX_CONNECTIONS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pool.MaxConnections = n
		}
	}
}

func validateConfig(cfg *Config) error {
	for _, v := range []interface{ Validate() error }{
		cfg.Task, cfg.Analyzer, cfg.Coordinator, cfg.Pool, cfg.Readiness, cfg.Journal, cfg.Backend,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}
