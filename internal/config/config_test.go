package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/gofleet/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(home), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromGofleetHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fleet")
	writeConfig(t, home, `
log_level: DEBUG
api:
  base_url: http://localhost:9000/v2/
  tiers: 6
scheduler:
  pool: miners
  tier: 5
schedules:
  - name: nightly-seed
    cron: "0 3 * * *"
    agent: SHIP-1
    descriptor: seed probes X1-AB12
`)
	t.Setenv("GOFLEET_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HomeDir != home || cfg.NeedsInit {
		t.Fatalf("home = %q needsInit = %v", cfg.HomeDir, cfg.NeedsInit)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.API.BaseURL != "http://localhost:9000/v2" {
		t.Fatalf("base url = %q", cfg.API.BaseURL)
	}
	if cfg.API.Tiers != 6 || cfg.Scheduler.Tier != 5 || cfg.Scheduler.Pool != "miners" {
		t.Fatalf("api/scheduler = %+v %+v", cfg.API, cfg.Scheduler)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Descriptor != "seed probes X1-AB12" {
		t.Fatalf("schedules = %+v", cfg.Schedules)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsInit {
		t.Fatal("expected NeedsInit without config.yaml")
	}
	if cfg.API.RequestsPerSecond != 2 || cfg.API.Burst != 1 || cfg.API.Tiers != 4 {
		t.Fatalf("api defaults = %+v", cfg.API)
	}
	if cfg.API.BadGatewayBackoff() != 210*time.Second || cfg.API.ServerErrorBackoff() != 3*time.Second {
		t.Fatalf("backoffs = %v %v", cfg.API.BadGatewayBackoff(), cfg.API.ServerErrorBackoff())
	}
	if cfg.API.RateLimitDefault() != time.Second || cfg.API.PollInterval() != 10*time.Millisecond {
		t.Fatalf("intervals = %v %v", cfg.API.RateLimitDefault(), cfg.API.PollInterval())
	}
	if cfg.Scheduler.Tier != 3 || cfg.Scheduler.CancelTimeout() != time.Second ||
		cfg.Scheduler.ShutdownTimeout() != 5*time.Second || cfg.Scheduler.ProbeInterval() != 10*time.Minute {
		t.Fatalf("scheduler defaults = %+v", cfg.Scheduler)
	}
	if cfg.Database.Driver != config.DriverSQLite || cfg.Database.Path != filepath.Join(home, "gofleet.db") {
		t.Fatalf("database = %+v", cfg.Database)
	}
	if cfg.Telemetry.Enabled || cfg.Telemetry.ServiceName != "gofleet" {
		t.Fatalf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "api:\n  account_token: from-file\nscheduler:\n  pool: a\n")
	t.Setenv("ST_ACCOUNT_TOKEN", "from-env")
	t.Setenv("GOFLEET_POOL", "b")
	t.Setenv("GOFLEET_LOG_LEVEL", "warn")
	t.Setenv("GOFLEET_RELAY_URL", "ws://relay:7777/ws")
	t.Setenv("GOFLEET_BIND_ADDR", "127.0.0.1:7777")
	t.Setenv("GOFLEET_DATABASE_DRIVER", "postgres")
	t.Setenv("GOFLEET_DATABASE_DSN", "postgres://fleet@localhost/fleet")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.AccountToken != "from-env" || cfg.Scheduler.Pool != "b" || cfg.LogLevel != "warn" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Relay.URL != "ws://relay:7777/ws" || cfg.Relay.BindAddr != "127.0.0.1:7777" {
		t.Fatalf("relay = %+v", cfg.Relay)
	}
	if cfg.Database.Driver != config.DriverPostgres || cfg.Database.DSN == "" {
		t.Fatalf("database = %+v", cfg.Database)
	}
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"postgres without dsn": "database:\n  driver: postgres\n",
		"unknown driver":       "database:\n  driver: mongo\n",
		"duplicate schedule":   "schedules:\n  - name: a\n  - name: a\n",
		"bad yaml":             "api: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			home := t.TempDir()
			writeConfig(t, home, body)
			if _, err := config.LoadFrom(home); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoad_TierClampedToTiers(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "api:\n  tiers: 2\nscheduler:\n  tier: 7\n")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scheduler.Tier != 1 {
		t.Fatalf("tier = %d", cfg.Scheduler.Tier)
	}
}

func TestFingerprint_IgnoresLiveSettings(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	b.LogLevel = "debug"
	b.Schedules = []config.ScheduleConfig{{Name: "x"}}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("live settings changed the fingerprint")
	}
	b.Scheduler.Pool = "other"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("pool change kept the fingerprint")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("fingerprint = %q", a.Fingerprint())
	}
}

func TestRelayToken_GeneratedOnceAndReused(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	first, err := cfg.RelayToken()
	if err != nil || first == "" {
		t.Fatalf("token = %q, %v", first, err)
	}
	second, err := cfg.RelayToken()
	if err != nil || second != first {
		t.Fatalf("second token = %q, %v; want %q", second, err, first)
	}
	info, err := os.Stat(config.RelayTokenPath(home))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("token file mode = %v", info.Mode().Perm())
	}

	cfg.Relay.AuthToken = "configured"
	if tok, _ := cfg.RelayToken(); tok != "configured" {
		t.Fatalf("configured token ignored: %q", tok)
	}
}
