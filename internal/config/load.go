package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load builds the runtime configuration: defaults, then the optional YAML
// file at path (empty string skips the file), then environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()

	cfg := Default()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file: %w", err)
		}
	}

	applyEnv(&cfg, v)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// env var -> config field bindings per the deployment contract
func applyEnv(cfg *Config, v *viper.Viper) {
	v.AutomaticEnv()

	if port := v.GetInt("PORT"); port > 0 {
		cfg.Server.Port = port
	}
	if level := v.GetString("LOG_LEVEL"); level != "" {
		cfg.Server.LogLevel = level
	}
	if name := v.GetString("SERVICE_NAME"); name != "" {
		cfg.Server.ServiceName = name
	}
	if size := v.GetInt64("MAX_BODY_SIZE"); size > 0 {
		cfg.Gateway.MaxBodySize = size
	}
	if secret := v.GetString("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if issuer := v.GetString("JWT_ISSUER"); issuer != "" {
		cfg.Auth.Issuer = issuer
	}
	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.Gateway.CORSOrigins = splitCommaList(origins)
	}
	if v.IsSet("CORS_CREDENTIALS") {
		cfg.Gateway.CORSCredentials = v.GetBool("CORS_CREDENTIALS")
	}
	if endpoint := v.GetString("OTEL_ENDPOINT"); endpoint != "" {
		cfg.Observability.OTLPEndpoint = endpoint
		cfg.Observability.TracingEnabled = true
	}
	if hosts := v.GetString("ALLOWED_HOSTS"); hosts != "" {
		cfg.Gateway.AllowedHosts = splitCommaList(hosts)
	}
	if key := v.GetString("COMPLETER_API_KEY"); key != "" {
		cfg.Completer.APIKey = key
	}
	if baseURL := v.GetString("COMPLETER_BASE_URL"); baseURL != "" {
		cfg.Completer.BaseURL = baseURL
	}
	if model := v.GetString("COMPLETER_MODEL"); model != "" {
		cfg.Completer.Model = model
	}
	if root := v.GetString("SESSION_ROOT_DIR"); root != "" {
		cfg.Session.RootDir = root
	}
}

func splitCommaList(s string) []string {
	if strings.TrimSpace(s) == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate checks cross-field invariants the rest of the system relies on.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	if cfg.Gateway.MaxBodySize <= 0 {
		return fmt.Errorf("gateway.max_body_size must be > 0")
	}
	if cfg.Pool.MaxWorkers < 1 {
		return fmt.Errorf("pool.max_workers must be >= 1")
	}
	if cfg.Orchestrator.DefaultWorkerCount < 1 {
		return fmt.Errorf("orchestrator.default_worker_count must be >= 1")
	}
	if cfg.Orchestrator.DefaultTimeout <= 0 {
		return fmt.Errorf("orchestrator.default_timeout must be > 0")
	}
	if t := cfg.Orchestrator.PartialSuccessThreshold; t < 0 || t > 1 {
		return fmt.Errorf("orchestrator.partial_success_threshold must be in [0,1]: %v", t)
	}
	if cfg.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("orchestrator.max_retries must be >= 0")
	}
	if cfg.Session.RootDir == "" {
		return fmt.Errorf("session.root_dir must be set")
	}
	if cfg.Session.PollInterval <= 0 {
		return fmt.Errorf("session.poll_interval must be > 0")
	}
	switch cfg.Pool.Strategy {
	case "round-robin", "least-loaded", "random", "capability-match":
	default:
		return fmt.Errorf("pool.strategy unknown: %q", cfg.Pool.Strategy)
	}
	return nil
}
