package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig holds settings for the supervised messaging-gateway
// subprocess.
type GatewayConfig struct {
	Enabled bool     `yaml:"enabled"`
	Command string   `yaml:"command"` // gateway binary; resolved via PATH if relative
	Args    []string `yaml:"args"`
	Port    int      `yaml:"port"` // port the gateway binds; checked during preflight

	// RequiredEnv lists environment variables the gateway needs (e.g. the
	// messaging-platform token). Missing entries surface as preflight hints.
	RequiredEnv []string `yaml:"required_env"`

	RetryBaseSeconds   int `yaml:"retry_base_seconds"`   // first retry delay; default 5
	RetryMaxSeconds    int `yaml:"retry_max_seconds"`    // retry delay cap; default 300
	StopGraceSeconds   int `yaml:"stop_grace_seconds"`   // SIGTERM grace before SIGKILL; default 5
	PreflightTimeoutMs int `yaml:"preflight_timeout_ms"` // port probe bound; default 1000
}

// WorkStealConfig tunes the load balancer.
type WorkStealConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"` // evaluation interval; default 30
	StealThreshold  int `yaml:"steal_threshold"`  // min task-count gap; default 3
	MaxStealBatch   int `yaml:"max_steal_batch"`  // max tasks per request; default 5
	WindowSize      int `yaml:"window_size"`      // rolling duration samples; default 20
}

// RetryDefaults configures the shared retry engine.
type RetryDefaults struct {
	InitialDelayMs int     `yaml:"initial_delay_ms"` // default 1000
	MaxDelayMs     int     `yaml:"max_delay_ms"`     // default 30000
	BackoffFactor  float64 `yaml:"backoff_factor"`   // default 2
	MaxAttempts    int     `yaml:"max_attempts"`     // default 5
	EnableJitter   bool    `yaml:"enable_jitter"`
	JitterFactor   float64 `yaml:"jitter_factor"` // default 0.1
}

// OtelConfig configures the OpenTelemetry provider.
type OtelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp-http", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint for otlp-http
	ServiceName string `yaml:"service_name"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	Gateway   GatewayConfig   `yaml:"gateway"`
	WorkSteal WorkStealConfig `yaml:"worksteal"`
	Retry     RetryDefaults   `yaml:"retry"`
	Otel      OtelConfig      `yaml:"otel"`

	// Retention policy (days). 0 = keep forever.
	RetentionSessionsDays int `yaml:"retention_sessions_days"`
	RetentionAuditDays    int `yaml:"retention_audit_days"`

	// RetentionSchedule is a 5-field cron expression for the maintenance
	// job. Empty disables scheduled retention.
	RetentionSchedule string `yaml:"retention_schedule"`

	// HooksDir holds optional lifecycle hook executables. Empty uses
	// <home>/hooks.
	HooksDir string `yaml:"hooks_dir"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|gateway=%v:%s:%d|steal=%d/%d",
		c.BindAddr, c.LogLevel, c.Gateway.Enabled, c.Gateway.Command, c.Gateway.Port,
		c.WorkSteal.StealThreshold, c.WorkSteal.MaxStealBatch)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18900",
		LogLevel: "info",
		Gateway: GatewayConfig{
			Command:            "talon-gateway",
			Port:               18901,
			RetryBaseSeconds:   5,
			RetryMaxSeconds:    300,
			StopGraceSeconds:   5,
			PreflightTimeoutMs: 1000,
		},
		WorkSteal: WorkStealConfig{
			IntervalSeconds: 30,
			StealThreshold:  3,
			MaxStealBatch:   5,
			WindowSize:      20,
		},
		Retry: RetryDefaults{
			InitialDelayMs: 1000,
			MaxDelayMs:     30000,
			BackoffFactor:  2,
			MaxAttempts:    5,
			EnableJitter:   true,
			JitterFactor:   0.1,
		},
		Otel: OtelConfig{
			Exporter:    "none",
			ServiceName: "talond",
		},
		RetentionSessionsDays: 90,
		RetentionAuditDays:    365,
		RetentionSchedule:     "0 3 * * *",
	}
}

// HomeDir resolves the state directory: $TALON_HOME or ~/.talon.
func HomeDir() string {
	if override := os.Getenv("TALON_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".talon")
}

// Load reads config.yaml from the home directory, applies env overrides,
// and normalizes defaults. A missing file is not an error; it marks the
// config as needing first-run genesis.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create talon home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Gateway.Command == "" {
		cfg.Gateway.Command = def.Gateway.Command
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = def.Gateway.Port
	}
	if cfg.Gateway.RetryBaseSeconds <= 0 {
		cfg.Gateway.RetryBaseSeconds = def.Gateway.RetryBaseSeconds
	}
	if cfg.Gateway.RetryMaxSeconds <= 0 {
		cfg.Gateway.RetryMaxSeconds = def.Gateway.RetryMaxSeconds
	}
	if cfg.Gateway.StopGraceSeconds <= 0 {
		cfg.Gateway.StopGraceSeconds = def.Gateway.StopGraceSeconds
	}
	if cfg.Gateway.PreflightTimeoutMs <= 0 {
		cfg.Gateway.PreflightTimeoutMs = def.Gateway.PreflightTimeoutMs
	}
	if cfg.WorkSteal.IntervalSeconds <= 0 {
		cfg.WorkSteal.IntervalSeconds = def.WorkSteal.IntervalSeconds
	}
	if cfg.WorkSteal.StealThreshold <= 0 {
		cfg.WorkSteal.StealThreshold = def.WorkSteal.StealThreshold
	}
	if cfg.WorkSteal.MaxStealBatch <= 0 {
		cfg.WorkSteal.MaxStealBatch = def.WorkSteal.MaxStealBatch
	}
	if cfg.WorkSteal.WindowSize <= 0 {
		cfg.WorkSteal.WindowSize = def.WorkSteal.WindowSize
	}
	if cfg.Retry.InitialDelayMs <= 0 {
		cfg.Retry.InitialDelayMs = def.Retry.InitialDelayMs
	}
	if cfg.Retry.MaxDelayMs <= 0 {
		cfg.Retry.MaxDelayMs = def.Retry.MaxDelayMs
	}
	if cfg.Retry.BackoffFactor <= 1 {
		cfg.Retry.BackoffFactor = def.Retry.BackoffFactor
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.Retry.JitterFactor <= 0 {
		cfg.Retry.JitterFactor = def.Retry.JitterFactor
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = def.Otel.Exporter
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = def.Otel.ServiceName
	}
	if cfg.HooksDir == "" {
		cfg.HooksDir = filepath.Join(cfg.HomeDir, "hooks")
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TALON_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TALON_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TALON_GATEWAY_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Gateway.Enabled = v
		}
	}
	if raw := os.Getenv("TALON_GATEWAY_COMMAND"); raw != "" {
		cfg.Gateway.Command = raw
	}
	if raw := os.Getenv("TALON_GATEWAY_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Gateway.Port = v
		}
	}
	if raw := os.Getenv("TALON_STEAL_THRESHOLD"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkSteal.StealThreshold = v
		}
	}
	if raw := os.Getenv("TALON_OTEL_EXPORTER"); raw != "" {
		cfg.Otel.Exporter = raw
	}
	if raw := os.Getenv("TALON_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Endpoint = raw
	}
}

// DaemonDir returns the lock/PID directory under home.
func DaemonDir(homeDir string) string {
	return filepath.Join(homeDir, "daemon")
}

// DatabasePath returns the SQLite database path under home.
func DatabasePath(homeDir string) string {
	return filepath.Join(homeDir, "talon.db")
}

// GatewayRetryBase returns the first gateway retry delay.
func (c Config) GatewayRetryBase() time.Duration {
	return time.Duration(c.Gateway.RetryBaseSeconds) * time.Second
}

// GatewayRetryMax returns the gateway retry delay cap.
func (c Config) GatewayRetryMax() time.Duration {
	return time.Duration(c.Gateway.RetryMaxSeconds) * time.Second
}
