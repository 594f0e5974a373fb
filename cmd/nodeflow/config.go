package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/rendis/nodeflow/internal/actions"
	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/scheduler"
	"github.com/rendis/nodeflow/internal/service"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/telemetry"
	"github.com/rendis/nodeflow/internal/xjson"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Config holds all nodeflow server configuration.
// Priority: NODEFLOW_* env vars > config file > defaults.
type Config struct {
	ListenAddr string              `json:"listen_addr" yaml:"listen_addr"`
	LogLevel   string              `json:"log_level" yaml:"log_level"`
	Storage    store.Config        `json:"storage" yaml:"storage"`
	Engine     EngineConfig        `json:"engine" yaml:"engine"`
	Telemetry  telemetry.Config    `json:"telemetry" yaml:"telemetry"`
	Triggers   []scheduler.Trigger `json:"triggers,omitempty" yaml:"triggers,omitempty"`
}

type EngineConfig struct {
	PoolSize        int                  `json:"pool_size" yaml:"pool_size"`
	DefaultTimeout  string               `json:"default_timeout" yaml:"default_timeout"`
	MaxResponseBody int64                `json:"max_response_body" yaml:"max_response_body"`
	DefaultRetry    *RetryConfig         `json:"default_retry,omitempty" yaml:"default_retry,omitempty"`
	CircuitBreaker  CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
}

// RetryConfig mirrors a node retryPolicy.
type RetryConfig struct {
	MaxAttempts  int     `json:"max_attempts" yaml:"max_attempts"`
	Backoff      string  `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	InitialDelay string  `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	MaxDelay     string  `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Multiplier   float64 `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	Jitter       float64 `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

type CircuitBreakerConfig struct {
	Disabled         bool   `json:"disabled" yaml:"disabled"`
	FailureThreshold int    `json:"failure_threshold" yaml:"failure_threshold"`
	Cooldown         string `json:"cooldown" yaml:"cooldown"`
	HalfOpenMax      int    `json:"half_open_max" yaml:"half_open_max"`
}

func defaultConfig() Config {
	cb := engine.DefaultCircuitBreakerConfig()
	return Config{
		ListenAddr: ":4100",
		LogLevel:   "info",
		Storage: store.Config{
			Driver: store.DriverSQLite,
			Path:   filepath.Join(nodeflowDir(), "nodeflow.db"),
		},
		Engine: EngineConfig{
			PoolSize:        engine.DefaultPoolSize,
			DefaultTimeout:  "30s",
			MaxResponseBody: 10 << 20,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: cb.FailureThreshold,
				Cooldown:         cb.Cooldown.String(),
				HalfOpenMax:      cb.HalfOpenMax,
			},
		},
		Telemetry: telemetry.Config{
			Endpoint:    telemetry.DefaultEndpoint,
			ServiceName: "nodeflow",
			Insecure:    true,
		},
	}
}

func nodeflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nodeflow"
	}
	return filepath.Join(home, ".nodeflow")
}

func settingsPath() string {
	return filepath.Join(nodeflowDir(), "settings.json")
}

// loadConfig layers defaults, the config file and the environment. An
// explicit path must exist; the default settings file is optional.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	file, err := readConfigFile(path)
	switch {
	case err == nil:
		if err := mergo.Merge(&cfg, file, mergo.WithOverride); err != nil {
			return cfg, fmt.Errorf("merge config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, err
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// readConfigFile decodes YAML for .yaml/.yml and JSON otherwise.
func readConfigFile(path string) (Config, error) {
	var file Config
	data, err := os.ReadFile(path)
	if err != nil {
		return file, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = xjson.Unmarshal(data, &file)
	}
	if err != nil {
		return file, fmt.Errorf("parse config %s: %w", path, err)
	}
	return file, nil
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"NODEFLOW_LISTEN_ADDR":        &cfg.ListenAddr,
		"NODEFLOW_LOG_LEVEL":          &cfg.LogLevel,
		"NODEFLOW_STORAGE_DRIVER":     &cfg.Storage.Driver,
		"NODEFLOW_STORAGE_PATH":       &cfg.Storage.Path,
		"NODEFLOW_DEFAULT_TIMEOUT":    &cfg.Engine.DefaultTimeout,
		"NODEFLOW_TELEMETRY_ENDPOINT": &cfg.Telemetry.Endpoint,
	}
	for key, dst := range str {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("NODEFLOW_POOL_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NODEFLOW_POOL_SIZE: %w", err)
		}
		cfg.Engine.PoolSize = n
	}
	if v := strings.TrimSpace(os.Getenv("NODEFLOW_TELEMETRY_ENABLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("NODEFLOW_TELEMETRY_ENABLED: %w", err)
		}
		cfg.Telemetry.Enabled = b
	}
	return nil
}

func (c Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level: unknown level %q", c.LogLevel)
	}
	switch c.Storage.Driver {
	case store.DriverMemory, store.DriverLibSQL, store.DriverSQLite, store.DriverBadger:
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Engine.PoolSize <= 0 {
		return fmt.Errorf("engine.pool_size must be positive, got %d", c.Engine.PoolSize)
	}
	if _, _, err := c.engineSettings(); err != nil {
		return err
	}
	for i, t := range c.Triggers {
		if t.Workflow == "" {
			return fmt.Errorf("triggers[%d]: workflow is required", i)
		}
		if _, err := scheduler.ParseCron(t.Cron); err != nil {
			return fmt.Errorf("triggers[%d]: %w", i, err)
		}
	}
	return nil
}

// engineSettings resolves the engine section's durations and policies.
func (c Config) engineSettings() (engine.NodeExecutorConfig, engine.CircuitBreakerConfig, error) {
	e := c.Engine
	var cb engine.CircuitBreakerConfig

	timeout, err := parseDuration("engine.default_timeout", e.DefaultTimeout)
	if err != nil {
		return engine.NodeExecutorConfig{}, cb, err
	}
	retry := engine.DefaultBackoff()
	if e.DefaultRetry != nil {
		retry, err = engine.CompileBackoff(e.DefaultRetry.policy(), engine.DefaultBackoff())
		if err != nil {
			return engine.NodeExecutorConfig{}, cb, fmt.Errorf("engine.default_retry: %w", err)
		}
	}
	if !e.CircuitBreaker.Disabled {
		cooldown, err := parseDuration("engine.circuit_breaker.cooldown", e.CircuitBreaker.Cooldown)
		if err != nil {
			return engine.NodeExecutorConfig{}, cb, err
		}
		cb = engine.CircuitBreakerConfig{
			FailureThreshold: e.CircuitBreaker.FailureThreshold,
			Cooldown:         cooldown,
			HalfOpenMax:      e.CircuitBreaker.HalfOpenMax,
		}
	}
	return engine.NodeExecutorConfig{DefaultRetry: retry, DefaultTimeout: timeout}, cb, nil
}

// serviceOptions builds the service options, including the outbound HTTP caller.
func (c Config) serviceOptions(logger *slog.Logger) (service.Options, error) {
	exec, cb, err := c.engineSettings()
	if err != nil {
		return service.Options{}, err
	}
	return service.Options{
		PoolSize:       c.Engine.PoolSize,
		Executor:       exec,
		CircuitBreaker: cb,
		Caller: actions.NewHTTPCaller(actions.HTTPConfig{
			MaxResponseBody: c.Engine.MaxResponseBody,
			DefaultTimeout:  exec.DefaultTimeout,
			UserAgent:       "nodeflow/" + version,
		}),
		Logger: logger,
	}, nil
}

func (r *RetryConfig) policy() *schema.RetryPolicy {
	return &schema.RetryPolicy{
		MaxAttempts:  r.MaxAttempts,
		Backoff:      r.Backoff,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
	}
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}
