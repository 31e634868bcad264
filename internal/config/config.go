package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration tree.
type Config struct {
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Auth          AuthConfig          `yaml:"auth" mapstructure:"auth"`
	Gateway       GatewayConfig       `yaml:"gateway" mapstructure:"gateway"`
	Completer     CompleterConfig     `yaml:"completer" mapstructure:"completer"`
	Planner       PlannerConfig       `yaml:"planner" mapstructure:"planner"`
	Pool          PoolConfig          `yaml:"pool" mapstructure:"pool"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator" mapstructure:"orchestrator"`
	Session       SessionConfig       `yaml:"session" mapstructure:"session"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port        int    `yaml:"port" mapstructure:"port"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
	LogLevel    string `yaml:"log_level" mapstructure:"log_level"`
	LogFormat   string `yaml:"log_format" mapstructure:"log_format"`
}

// AuthConfig configures JWT verification.
type AuthConfig struct {
	JWTSecret      string        `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	Issuer         string        `yaml:"issuer" mapstructure:"issuer"`
	Audience       string        `yaml:"audience" mapstructure:"audience"`
	ClockTolerance time.Duration `yaml:"clock_tolerance" mapstructure:"clock_tolerance"`
}

// DevMode reports whether the gateway runs without a JWT secret. In dev mode
// authentication and output filtering are disabled.
func (a AuthConfig) DevMode() bool {
	return a.JWTSecret == ""
}

// GatewayConfig configures the security pipeline.
type GatewayConfig struct {
	MaxBodySize       int64         `yaml:"max_body_size" mapstructure:"max_body_size"`
	MaxInputLength    int           `yaml:"max_input_length" mapstructure:"max_input_length"`
	MaxScanSize       int           `yaml:"max_scan_size" mapstructure:"max_scan_size"`
	DetectInjection   bool          `yaml:"detect_injection" mapstructure:"detect_injection"`
	MaskOutput        bool          `yaml:"mask_output" mapstructure:"mask_output"`
	BlockOnDetection  bool          `yaml:"block_on_detection" mapstructure:"block_on_detection"`
	ScanFields        []string      `yaml:"scan_fields" mapstructure:"scan_fields"`
	CORSOrigins       []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	CORSCredentials   bool          `yaml:"cors_credentials" mapstructure:"cors_credentials"`
	AllowedHosts      []string      `yaml:"allowed_hosts" mapstructure:"allowed_hosts"`
	LogBodies         bool          `yaml:"log_bodies" mapstructure:"log_bodies"`
	LogBodyMaxLength  int           `yaml:"log_body_max_length" mapstructure:"log_body_max_length"`
	ProxyTimeout      time.Duration `yaml:"proxy_timeout" mapstructure:"proxy_timeout"`
	ProxyRetries      int           `yaml:"proxy_retries" mapstructure:"proxy_retries"`
	ProxyRetryBackoff time.Duration `yaml:"proxy_retry_backoff" mapstructure:"proxy_retry_backoff"`
}

// CompleterConfig configures the completion provider client.
type CompleterConfig struct {
	Provider    string        `yaml:"provider" mapstructure:"provider"`
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string        `yaml:"api_key" mapstructure:"api_key"`
	Model       string        `yaml:"model" mapstructure:"model"`
	MaxTokens   int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64       `yaml:"temperature" mapstructure:"temperature"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// PlannerConfig configures decomposition behavior.
type PlannerConfig struct {
	MaxSubtasks    int  `yaml:"max_subtasks" mapstructure:"max_subtasks"`
	MinSubtasks    int  `yaml:"min_subtasks" mapstructure:"min_subtasks"`
	MaxParseRetry  int  `yaml:"max_parse_retry" mapstructure:"max_parse_retry"`
	EnableFeedback bool `yaml:"enable_feedback" mapstructure:"enable_feedback"`
}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	MaxWorkers int    `yaml:"max_workers" mapstructure:"max_workers"`
	Strategy   string `yaml:"strategy" mapstructure:"strategy"`
}

// OrchestratorConfig configures the run lifecycle.
type OrchestratorConfig struct {
	DefaultWorkerCount      int           `yaml:"default_worker_count" mapstructure:"default_worker_count"`
	DefaultTimeout          time.Duration `yaml:"default_timeout" mapstructure:"default_timeout"`
	MaxRetries              int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBaseDelay          time.Duration `yaml:"retry_base_delay" mapstructure:"retry_base_delay"`
	RetryBackoffFactor      float64       `yaml:"retry_backoff_factor" mapstructure:"retry_backoff_factor"`
	RetryMaxDelay           time.Duration `yaml:"retry_max_delay" mapstructure:"retry_max_delay"`
	AllowPartialSuccess     bool          `yaml:"allow_partial_success" mapstructure:"allow_partial_success"`
	PartialSuccessThreshold float64       `yaml:"partial_success_threshold" mapstructure:"partial_success_threshold"`
	AggregationStrategy     string        `yaml:"aggregation_strategy" mapstructure:"aggregation_strategy"`
}

// SessionConfig configures the on-disk session store.
type SessionConfig struct {
	RootDir      string        `yaml:"root_dir" mapstructure:"root_dir"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	TracingEnabled bool   `yaml:"tracing_enabled" mapstructure:"tracing_enabled"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	MetricsEnabled bool   `yaml:"metrics_enabled" mapstructure:"metrics_enabled"`
}

// Redacted returns a copy safe for logging: secret material is masked,
// everything else passes through.
func (c Config) Redacted() Config {
	if c.Auth.JWTSecret != "" {
		c.Auth.JWTSecret = "****"
	}
	if c.Completer.APIKey != "" {
		c.Completer.APIKey = "****"
	}
	return c
}

// Dump renders the effective configuration as YAML with secrets masked.
func (c Config) Dump() (string, error) {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(out), nil
}

// Default returns the configuration defaults applied before file and
// environment overrides.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:        3000,
			ServiceName: "tachikoma",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Auth: AuthConfig{
			Issuer:         "tachikoma",
			ClockTolerance: 60 * time.Second,
		},
		Gateway: GatewayConfig{
			MaxBodySize:       1 << 20,   // 1 MiB
			MaxInputLength:    100_000,   // 100 KB per string
			MaxScanSize:       256 << 10, // 256 KiB
			DetectInjection:   true,
			MaskOutput:        true,
			LogBodyMaxLength:  2048,
			ProxyTimeout:      30 * time.Second,
			ProxyRetryBackoff: 500 * time.Millisecond,
		},
		Completer: CompleterConfig{
			Provider:    "openai",
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o",
			MaxTokens:   4096,
			Temperature: 0.7,
			Timeout:     120 * time.Second,
		},
		Planner: PlannerConfig{
			MaxSubtasks:    10,
			MinSubtasks:    3,
			MaxParseRetry:  2,
			EnableFeedback: true,
		},
		Pool: PoolConfig{
			MaxWorkers: 8,
			Strategy:   "round-robin",
		},
		Orchestrator: OrchestratorConfig{
			DefaultWorkerCount:      3,
			DefaultTimeout:          5 * time.Minute,
			MaxRetries:              3,
			RetryBaseDelay:          time.Second,
			RetryBackoffFactor:      2,
			RetryMaxDelay:           30 * time.Second,
			AllowPartialSuccess:     true,
			PartialSuccessThreshold: 0.5,
			AggregationStrategy:     "merge",
		},
		Session: SessionConfig{
			RootDir:      ".tachikoma",
			PollInterval: 500 * time.Millisecond,
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
		},
	}
}
