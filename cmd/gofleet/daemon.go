package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/basket/gofleet/internal/audit"
	"github.com/basket/gofleet/internal/behavior"
	"github.com/basket/gofleet/internal/bus"
	"github.com/basket/gofleet/internal/config"
	"github.com/basket/gofleet/internal/cron"
	"github.com/basket/gofleet/internal/gateway"
	"github.com/basket/gofleet/internal/otel"
	"github.com/basket/gofleet/internal/scheduler"
	"github.com/basket/gofleet/internal/telemetry"
)

func runDaemon(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("daemon", pflag.ContinueOnError)
	quiet := fs.BoolP("quiet", "q", false, "log to the log file only")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: gofleet daemon [--quiet]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"version", Version, "fingerprint", cfg.Fingerprint(), "pool", cfg.Scheduler.Pool)
	if cfg.NeedsInit {
		logger.Warn("no config.yaml found, running with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}

	cfg.Telemetry.ServiceVersion = Version
	provider, err := otel.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(sctx)
	}()
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "stores_opened", "driver", cfg.Database.Driver)

	eventBus := bus.New()
	var wg sync.WaitGroup

	var queues gateway.Queues
	var dispatcher *gateway.Dispatcher
	if cfg.Relay.URL != "" {
		token, err := cfg.RelayToken()
		if err != nil {
			fatalStartup(logger, "E_RELAY_TOKEN", err)
		}
		queues = gateway.NewRemoteQueues(cfg.Relay.URL, token, &http.Client{Timeout: cfg.API.Timeout()})
		logger.Info("requests go through remote relay", "url", cfg.Relay.URL)
	} else {
		dispatcher = newDispatcher(cfg, logger, metrics, provider.Tracer)
		queues = dispatcher
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.Run(ctx)
		}()
	}

	var relaySrv *http.Server
	if cfg.Relay.BindAddr != "" {
		if dispatcher == nil {
			fatalStartup(logger, "E_RELAY_CONFIG", errors.New("relay.bind_addr needs a local dispatcher; unset relay.url"))
		}
		token, err := cfg.RelayToken()
		if err != nil {
			fatalStartup(logger, "E_RELAY_TOKEN", err)
		}
		relay := gateway.NewRelay(gateway.RelayConfig{
			Queues:    dispatcher,
			Bus:       eventBus,
			AuthToken: token,
			Logger:    logger,
		})
		ln, err := net.Listen("tcp", cfg.Relay.BindAddr)
		if err != nil {
			fatalStartup(logger, "E_RELAY_LISTEN", err)
		}
		relaySrv = &http.Server{Handler: relay.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := relaySrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("relay server stopped", "error", err)
			}
		}()
		logger.Info("relay listening", "addr", ln.Addr().String())
	}

	base := gateway.NewClient(queues, cfg.Scheduler.Tier, "").
		WithPollInterval(cfg.API.PollInterval()).
		WithLogger(logger)
	if status, reset, err := checkServerStatus(ctx, base.WithTier(0), cfg.HomeDir); err != nil {
		logger.Warn("server status unavailable", "error", err)
	} else {
		if !*quiet {
			printServerStatus(os.Stdout, status)
		}
		if reset {
			audit.Record(audit.ActionReset, status.ResetDate, "server reset detected")
			logger.Warn("server was reset; cached agents and tasks are stale", "reset_date", status.ResetDate)
		}
	}

	reg := scheduler.NewRegistry()
	behavior.Register(reg, &behavior.Deps{
		API:           base,
		Store:         st.cache,
		Tasks:         st.tasks,
		Logger:        logger.With("component", "behavior"),
		ProbeInterval: cfg.Scheduler.ProbeInterval(),
	})
	sched, err := scheduler.New(scheduler.Config{
		Pool:            cfg.Scheduler.Pool,
		PollInterval:    cfg.Scheduler.PollInterval(),
		CancelTimeout:   cfg.Scheduler.CancelTimeout(),
		ShutdownTimeout: cfg.Scheduler.ShutdownTimeout(),
		Store:           st.tasks,
		Registry:        reg,
		Bus:             eventBus,
		Logger:          logger,
		Metrics:         metrics,
		Tracer:          provider.Tracer,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}

	cronSched := cron.NewScheduler(cron.Config{
		Store:    st.cache,
		Tasks:    st.tasks,
		Bus:      eventBus,
		Logger:   logger.With("component", "cron"),
		Validate: reg.Validate,
	})
	if err := cronSched.Sync(ctx, scheduleEntries(cfg.Schedules)); err != nil {
		fatalStartup(logger, "E_CRON_SYNC", err)
	}
	cronSched.Start(ctx)
	defer cronSched.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		applyReloads(ctx, watcher.Events(), cfg, level, cronSched, logger)
	}()

	logger.Info("daemon ready", "incarnation", sched.Incarnation(), "verbs", reg.Verbs())
	_ = sched.Run(ctx)
	logger.Info("shutdown requested")

	if relaySrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout())
		_ = relaySrv.Shutdown(sctx)
		cancel()
	}
	wg.Wait()
	logger.Info("daemon stopped", "status", sched.Status())
	return 0
}

// applyReloads re-reads config.yaml on every change. The log level and the
// schedules apply live; anything else is reported as needing a restart.
func applyReloads(ctx context.Context, events <-chan config.ReloadEvent, active config.Config, level *slog.LevelVar, cronSched *cron.Scheduler, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Err != nil {
				logger.Error("config reload failed", "error", ev.Err)
				continue
			}
			next := ev.Config
			level.Set(telemetry.ParseLevel(next.LogLevel))
			if err := cronSched.Sync(ctx, scheduleEntries(next.Schedules)); err != nil {
				logger.Error("schedule reload failed", "error", err)
			}
			if next.Fingerprint() != active.Fingerprint() {
				logger.Warn("config changed settings that need a restart",
					"old_fingerprint", active.Fingerprint(), "new_fingerprint", next.Fingerprint())
			}
			logger.Info("config reloaded", "log_level", next.LogLevel, "schedules", len(next.Schedules))
		}
	}
}
