// Package config loads gofleet's config.yaml and its environment overrides.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/basket/gofleet/internal/otel"
)

type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	// AccountToken registers new agents. Agent tokens live in the database.
	AccountToken              string  `yaml:"account_token"`
	RequestsPerSecond         float64 `yaml:"requests_per_second"`
	Burst                     int     `yaml:"burst"`
	Tiers                     int     `yaml:"tiers"`
	PollIntervalMS            int     `yaml:"poll_interval_ms"`
	RateLimitDefaultMS        int     `yaml:"rate_limit_default_ms"`
	ServerErrorBackoffSeconds int     `yaml:"server_error_backoff_seconds"`
	BadGatewayBackoffSeconds  int     `yaml:"bad_gateway_backoff_seconds"`
	ConnectionRetryMS         int     `yaml:"connection_retry_ms"`
	TimeoutSeconds            int     `yaml:"timeout_seconds"`
}

func (c APIConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c APIConfig) RateLimitDefault() time.Duration {
	return time.Duration(c.RateLimitDefaultMS) * time.Millisecond
}

func (c APIConfig) ServerErrorBackoff() time.Duration {
	return time.Duration(c.ServerErrorBackoffSeconds) * time.Second
}

func (c APIConfig) BadGatewayBackoff() time.Duration {
	return time.Duration(c.BadGatewayBackoffSeconds) * time.Second
}

func (c APIConfig) ConnectionRetry() time.Duration {
	return time.Duration(c.ConnectionRetryMS) * time.Millisecond
}

func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RelayConfig configures the websocket relay. A daemon with URL set sends
// its requests through a remote relay instead of running a dispatcher.
type RelayConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	URL       string `yaml:"url"`
	AuthToken string `yaml:"auth_token"`
}

type SchedulerConfig struct {
	Pool                 string `yaml:"pool"`
	PollIntervalMS       int    `yaml:"poll_interval_ms"`
	CancelTimeoutMS      int    `yaml:"cancel_timeout_ms"`
	ShutdownTimeoutMS    int    `yaml:"shutdown_timeout_ms"`
	Tier                 int    `yaml:"tier"`
	ProbeIntervalSeconds int    `yaml:"probe_interval_seconds"`
}

func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c SchedulerConfig) CancelTimeout() time.Duration {
	return time.Duration(c.CancelTimeoutMS) * time.Millisecond
}

func (c SchedulerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}

func (c SchedulerConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	// Path is the sqlite file. Relative paths resolve against the home dir.
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn"`
}

type ScheduleConfig struct {
	Name       string `yaml:"name"`
	Cron       string `yaml:"cron"`
	Agent      string `yaml:"agent"`
	Descriptor string `yaml:"descriptor"`
	Disabled   bool   `yaml:"disabled"`
}

type Config struct {
	HomeDir   string           `yaml:"-"`
	LogLevel  string           `yaml:"log_level"`
	API       APIConfig        `yaml:"api"`
	Relay     RelayConfig      `yaml:"relay"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Database  DatabaseConfig   `yaml:"database"`
	Telemetry otel.Config      `yaml:"telemetry"`
	Schedules []ScheduleConfig `yaml:"schedules"`

	// NeedsInit is set when no config.yaml exists yet.
	NeedsInit bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		API: APIConfig{
			RequestsPerSecond:         2,
			Burst:                     1,
			Tiers:                     4,
			PollIntervalMS:            10,
			RateLimitDefaultMS:        1000,
			ServerErrorBackoffSeconds: 3,
			BadGatewayBackoffSeconds:  210,
			ConnectionRetryMS:         100,
			TimeoutSeconds:            30,
		},
		Scheduler: SchedulerConfig{
			PollIntervalMS:       100,
			CancelTimeoutMS:      1000,
			ShutdownTimeoutMS:    5000,
			Tier:                 3,
			ProbeIntervalSeconds: 600,
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			Path:   "gofleet.db",
		},
		Telemetry: otel.Config{
			Exporter:    "none",
			ServiceName: "gofleet",
			SampleRate:  1,
		},
	}
}

// HomeDir is $GOFLEET_HOME, or ~/.gofleet.
func HomeDir() string {
	if override := os.Getenv("GOFLEET_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gofleet")
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from HomeDir and applies the environment.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gofleet home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsInit = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ST_ACCOUNT_TOKEN"); v != "" {
		cfg.API.AccountToken = v
	}
	if v := os.Getenv("GOFLEET_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("GOFLEET_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GOFLEET_POOL"); v != "" {
		cfg.Scheduler.Pool = v
	}
	if v := os.Getenv("GOFLEET_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("GOFLEET_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("GOFLEET_RELAY_URL"); v != "" {
		cfg.Relay.URL = v
	}
	if v := os.Getenv("GOFLEET_RELAY_TOKEN"); v != "" {
		cfg.Relay.AuthToken = v
	}
	if v := os.Getenv("GOFLEET_BIND_ADDR"); v != "" {
		cfg.Relay.BindAddr = v
	}
	if v := os.Getenv("GOFLEET_TIER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.Tier = n
		}
	}
}

func normalize(cfg *Config) {
	def := defaultConfig()
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.API.BaseURL = strings.TrimRight(cfg.API.BaseURL, "/")

	positive(&cfg.API.Burst, def.API.Burst)
	positive(&cfg.API.Tiers, def.API.Tiers)
	positive(&cfg.API.PollIntervalMS, def.API.PollIntervalMS)
	positive(&cfg.API.RateLimitDefaultMS, def.API.RateLimitDefaultMS)
	positive(&cfg.API.ServerErrorBackoffSeconds, def.API.ServerErrorBackoffSeconds)
	positive(&cfg.API.BadGatewayBackoffSeconds, def.API.BadGatewayBackoffSeconds)
	positive(&cfg.API.ConnectionRetryMS, def.API.ConnectionRetryMS)
	positive(&cfg.API.TimeoutSeconds, def.API.TimeoutSeconds)
	if cfg.API.RequestsPerSecond <= 0 {
		cfg.API.RequestsPerSecond = def.API.RequestsPerSecond
	}

	positive(&cfg.Scheduler.PollIntervalMS, def.Scheduler.PollIntervalMS)
	positive(&cfg.Scheduler.CancelTimeoutMS, def.Scheduler.CancelTimeoutMS)
	positive(&cfg.Scheduler.ShutdownTimeoutMS, def.Scheduler.ShutdownTimeoutMS)
	positive(&cfg.Scheduler.ProbeIntervalSeconds, def.Scheduler.ProbeIntervalSeconds)
	if cfg.Scheduler.Tier < 0 {
		cfg.Scheduler.Tier = 0
	}
	if cfg.Scheduler.Tier >= cfg.API.Tiers {
		cfg.Scheduler.Tier = cfg.API.Tiers - 1
	}

	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	switch cfg.Database.Driver {
	case "", "sqlite3":
		cfg.Database.Driver = DriverSQLite
	case "pg", "postgresql":
		cfg.Database.Driver = DriverPostgres
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = def.Database.Path
	}
	if !filepath.IsAbs(cfg.Database.Path) {
		cfg.Database.Path = filepath.Join(cfg.HomeDir, cfg.Database.Path)
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = def.Telemetry.Exporter
	}
}

func positive(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func validate(cfg Config) error {
	switch cfg.Database.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if cfg.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	seen := make(map[string]bool, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		if s.Name == "" {
			return errors.New("schedule without a name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate schedule %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Fingerprint returns a stable hash of the settings that need a restart
// to take effect. The log level and schedules reload live and are left out.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "base=%s|rps=%g|burst=%d|tiers=%d|relay=%s|bind=%s|pool=%s|tier=%d|db=%s:%s:%s|otel=%t:%s:%s",
		c.API.BaseURL, c.API.RequestsPerSecond, c.API.Burst, c.API.Tiers,
		c.Relay.URL, c.Relay.BindAddr, c.Scheduler.Pool, c.Scheduler.Tier,
		c.Database.Driver, c.Database.Path, c.Database.DSN,
		c.Telemetry.Enabled, c.Telemetry.Exporter, c.Telemetry.Endpoint)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func RelayTokenPath(homeDir string) string {
	return filepath.Join(homeDir, "relay.token")
}

// RelayToken returns the relay's shared secret: the configured one, else
// the contents of relay.token, which is created on first use.
func (c Config) RelayToken() (string, error) {
	if c.Relay.AuthToken != "" {
		return c.Relay.AuthToken, nil
	}
	path := RelayTokenPath(c.HomeDir)
	data, err := os.ReadFile(path)
	if err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			return tok, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read relay token: %w", err)
	}
	tok := uuid.NewString()
	if err := os.WriteFile(path, []byte(tok+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write relay token: %w", err)
	}
	return tok, nil
}
