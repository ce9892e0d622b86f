// Package doctor runs the local diagnostics behind `gofleet doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/basket/gofleet/internal/config"
	"github.com/basket/gofleet/internal/gateway"
	"github.com/basket/gofleet/internal/persistence"
	"github.com/basket/gofleet/internal/persistence/pg"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed counts the FAIL results.
func (d Diagnosis) Failed() int {
	n := 0
	for _, r := range d.Results {
		if r.Status == StatusFail {
			n++
		}
	}
	return n
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAccountToken,
		checkPermissions,
		checkDatabase,
		checkTaskTable,
		checkRelay,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No config.yaml, using defaults",
			Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail: cfg.Fingerprint()}
}

func checkAccountToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Account Token", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.API.AccountToken != "" {
		return CheckResult{Name: "Account Token", Status: StatusPass, Message: "Account token is set"}
	}
	return CheckResult{
		Name:    "Account Token",
		Status:  StatusWarn,
		Message: "No account token (agents cannot be registered)",
		Detail:  "Set ST_ACCOUNT_TOKEN or api.account_token in config.yaml",
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.Database.Path)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()
	agents, err := store.ListAgents(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass,
		Message: fmt.Sprintf("Cache valid, %d agents", len(agents)), Detail: cfg.Database.Path}
}

// checkTaskTable reaches the shared postgres task table when one is configured.
func checkTaskTable(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Task Table", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Database.Driver != config.DriverPostgres {
		return CheckResult{Name: "Task Table", Status: StatusSkip, Message: "Tasks live in the sqlite cache"}
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := pg.NewStore(pctx, cfg.Database.DSN)
	if err != nil {
		return CheckResult{Name: "Task Table", Status: StatusFail, Message: fmt.Sprintf("Connect failed: %v", err)}
	}
	defer store.Close()
	rows, err := store.ListAllTasks(pctx)
	if err != nil {
		return CheckResult{Name: "Task Table", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err),
			Detail: "Start the daemon once to create the schema"}
	}
	return CheckResult{Name: "Task Table", Status: StatusPass, Message: fmt.Sprintf("Postgres reachable, %d tasks", len(rows))}
}

func checkRelay(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Relay", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Relay.URL == "" {
		return CheckResult{Name: "Relay", Status: StatusSkip, Message: "No remote relay configured"}
	}
	token, err := cfg.RelayToken()
	if err != nil {
		return CheckResult{Name: "Relay", Status: StatusFail, Message: fmt.Sprintf("Relay token: %v", err)}
	}
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	// Taking an unknown result exercises authentication without side effects.
	queues := gateway.NewRemoteQueues(cfg.Relay.URL, token, &http.Client{Timeout: 5 * time.Second})
	if _, _, err := queues.Take(hctx, 0, "doctor-"+uuid.NewString()); err != nil {
		return CheckResult{Name: "Relay", Status: StatusFail, Message: fmt.Sprintf("Relay check failed: %v", err),
			Detail: "Copy relay.token from the relay host or set GOFLEET_RELAY_TOKEN"}
	}
	return CheckResult{Name: "Relay", Status: StatusPass, Message: "Relay reachable and token accepted", Detail: cfg.Relay.URL}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	base := cfg.API.BaseURL
	if base == "" {
		base = gateway.DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "Network", Status: StatusFail, Message: fmt.Sprintf("Bad base url %q", base)}
	}
	host := u.Hostname()

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%v", addrs),
	}
}
