package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/gofleet/internal/agent"
	"github.com/basket/gofleet/internal/audit"
	"github.com/basket/gofleet/internal/config"
	"github.com/basket/gofleet/internal/cron"
	"github.com/basket/gofleet/internal/gateway"
	"github.com/basket/gofleet/internal/otel"
	"github.com/basket/gofleet/internal/persistence"
	"github.com/basket/gofleet/internal/persistence/pg"
	"github.com/basket/gofleet/internal/telemetry"
)

// stores pairs the sqlite cache with the task table, which lives in
// postgres when several hosts share one fleet.
type stores struct {
	cache *persistence.Store
	tasks persistence.TaskStore
	pg    *pg.Store
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	cache, err := persistence.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s := &stores{cache: cache, tasks: cache}
	if cfg.Database.Driver != config.DriverPostgres {
		return s, nil
	}
	pgStore, err := pg.NewStore(ctx, cfg.Database.DSN)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}
	if err := pgStore.Migrate(ctx); err != nil {
		pgStore.Close()
		_ = cache.Close()
		return nil, err
	}
	s.pg = pgStore
	s.tasks = pgStore
	return s, nil
}

func (s *stores) Close() {
	if s.pg != nil {
		s.pg.Close()
	}
	_ = s.cache.Close()
}

// fleetStore routes task provisioning to the task table and everything
// else to the cache.
type fleetStore struct {
	*persistence.Store
	tasks persistence.TaskStore
}

func (f fleetStore) ProvisionTask(ctx context.Context, agentID, owner, pool string) error {
	return f.tasks.ProvisionTask(ctx, agentID, owner, pool)
}

func (s *stores) agents() agent.Store {
	return fleetStore{Store: s.cache, tasks: s.tasks}
}

// commandLogger logs to the log file only so command output stays clean.
func commandLogger(cfg config.Config) (*slog.Logger, io.Closer, error) {
	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	return telemetry.NewLogger(cfg.HomeDir, level, true)
}

// newDispatcher builds the local dispatcher and its HTTP transport.
func newDispatcher(cfg config.Config, logger *slog.Logger, metrics *otel.Metrics, tracer trace.Tracer) *gateway.Dispatcher {
	transport := gateway.NewTransport(gateway.TransportConfig{
		BaseURL:            cfg.API.BaseURL,
		HTTPClient:         &http.Client{Timeout: cfg.API.Timeout()},
		RequestsPerSecond:  cfg.API.RequestsPerSecond,
		Burst:              cfg.API.Burst,
		RateLimitDefault:   cfg.API.RateLimitDefault(),
		ServerErrorBackoff: cfg.API.ServerErrorBackoff(),
		BadGatewayBackoff:  cfg.API.BadGatewayBackoff(),
		ConnectionRetry:    cfg.API.ConnectionRetry(),
		Logger:             logger,
		Metrics:            metrics,
		Tracer:             tracer,
	})
	return gateway.NewDispatcher(gateway.DispatcherConfig{
		Tiers:    cfg.API.Tiers,
		Executor: transport,
		Logger:   logger,
		Metrics:  metrics,
	})
}

// commandAPI returns a tier-0 client for one-shot commands. It goes
// through the configured relay, or through a private dispatcher that
// stops with ctx.
func commandAPI(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gateway.Client, error) {
	var queues gateway.Queues
	if cfg.Relay.URL != "" {
		token, err := cfg.RelayToken()
		if err != nil {
			return nil, err
		}
		queues = gateway.NewRemoteQueues(cfg.Relay.URL, token, &http.Client{Timeout: cfg.API.Timeout()})
	} else {
		d := newDispatcher(cfg, logger, otel.NoopMetrics(), nil)
		go d.Run(ctx)
		queues = d
	}
	return gateway.NewClient(queues, 0, "").
		WithPollInterval(cfg.API.PollInterval()).
		WithLogger(logger), nil
}

func scheduleEntries(schedules []config.ScheduleConfig) []cron.Entry {
	entries := make([]cron.Entry, 0, len(schedules))
	for _, s := range schedules {
		entries = append(entries, cron.Entry{
			Name:     s.Name,
			CronExpr: s.Cron,
			AgentID:  s.Agent,
			Task:     s.Descriptor,
			Disabled: s.Disabled,
		})
	}
	return entries
}

type serverStatus struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	ResetDate string `json:"resetDate"`
	Stats     struct {
		Agents    int `json:"agents"`
		Ships     int `json:"ships"`
		Systems   int `json:"systems"`
		Waypoints int `json:"waypoints"`
	} `json:"stats"`
	ServerResets struct {
		Next      string `json:"next"`
		Frequency string `json:"frequency"`
	} `json:"serverResets"`
}

func resetMarkerPath(homeDir string) string {
	return filepath.Join(homeDir, "reset_date")
}

// checkServerStatus fetches the API root and reports whether the server
// was reset since the last recorded reset date.
func checkServerStatus(ctx context.Context, api *gateway.Client, homeDir string) (serverStatus, bool, error) {
	var st serverStatus
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := api.Get(ctx, "status", map[string]string{}, &st); err != nil {
		return st, false, fmt.Errorf("server status: %w", err)
	}
	if st.ResetDate == "" {
		return st, false, nil
	}
	path := resetMarkerPath(homeDir)
	prev, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return st, false, err
	}
	last := strings.TrimSpace(string(prev))
	if last == st.ResetDate {
		return st, false, nil
	}
	if err := os.WriteFile(path, []byte(st.ResetDate+"\n"), 0o644); err != nil {
		return st, false, err
	}
	return st, last != "", nil
}

func printServerStatus(w io.Writer, st serverStatus) {
	fmt.Fprintf(w, "server %s (%s), reset %s, next reset %s\n", st.Status, st.Version, st.ResetDate, st.ServerResets.Next)
	fmt.Fprintf(w, "  agents %d  ships %d  systems %d  waypoints %d\n",
		st.Stats.Agents, st.Stats.Ships, st.Stats.Systems, st.Stats.Waypoints)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("runtime.fatal", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
