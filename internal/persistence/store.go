package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/gofleet/internal/retry"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "gf-v1-2026-09-02-tasks-universe"

	// v2 adds schedules and tasks.last_error.
	schemaVersionV2  = 2
	schemaChecksumV2 = "gf-v2-2026-09-20-schedules-last-error"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// ErrNotFound is returned when a lookup or a targeted update matches no row.
var ErrNotFound = errors.New("persistence: not found")

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gofleet", "gofleet.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// busyPolicy spaces retries of a statement that hit SQLITE_BUSY/LOCKED.
func busyPolicy(retries int) retry.Policy {
	return retry.Policy{
		Attempts:  retries + 1,
		BaseDelay: 50 * time.Millisecond,
		MaxDelay:  500 * time.Millisecond,
		Retryable: isSQLiteBusy,
	}
}

// retryOnBusy runs f up to retries+1 times while sqlite reports the database
// busy. The last error is returned unwrapped.
func retryOnBusy(ctx context.Context, retries int, f func() error) error {
	res := retry.Do(ctx, busyPolicy(retries), func(context.Context, int) (struct{}, error) {
		return struct{}{}, f()
	})
	if res.Err() == nil {
		return nil
	}
	return res.Errors[len(res.Errors)-1]
}

// isSQLiteBusy reports SQLITE_BUSY and SQLITE_LOCKED. Errors that lost the
// driver type through fmt.Errorf("%v") are matched on their message.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	versionChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
	}
	if maxVersion != 0 {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := versionChecksums[maxVersion]; existing != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existing, want)
		}
	}
	if maxVersion == schemaVersionLatest {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	if maxVersion < schemaVersionV1 {
		for _, stmt := range schemaV1 {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply v1 schema: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, schemaVersionV1, schemaChecksumV1); err != nil {
			return fmt.Errorf("record schema v1: %w", err)
		}
	}
	if maxVersion < schemaVersionV2 {
		for _, stmt := range schemaV2 {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply v2 schema: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);`, schemaVersionV2, schemaChecksumV2); err != nil {
			return fmt.Errorf("record schema v2: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		agent_id TEXT PRIMARY KEY,
		owner TEXT NOT NULL DEFAULT '',
		current TEXT,
		queued TEXT,
		cancel INTEGER NOT NULL DEFAULT 0,
		pool TEXT NOT NULL DEFAULT '',
		incarnation TEXT,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_pool ON tasks(pool);`,
	`CREATE TABLE IF NOT EXISTS agents (
		symbol TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		faction TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_agents_role ON agents(role);`,
	`CREATE TABLE IF NOT EXISTS ships (
		symbol TEXT PRIMARY KEY,
		agent_symbol TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_ships_agent ON ships(agent_symbol);`,
	`CREATE TABLE IF NOT EXISTS systems (
		symbol TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		x INTEGER NOT NULL,
		y INTEGER NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS waypoints (
		symbol TEXT PRIMARY KEY,
		system_symbol TEXT NOT NULL REFERENCES systems(symbol),
		type TEXT NOT NULL,
		x INTEGER NOT NULL,
		y INTEGER NOT NULL,
		orbits TEXT NOT NULL DEFAULT '',
		traits TEXT,
		faction TEXT NOT NULL DEFAULT '',
		under_construction INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_waypoints_system ON waypoints(system_symbol);`,
	`CREATE TABLE IF NOT EXISTS markets (
		symbol TEXT PRIMARY KEY,
		system_symbol TEXT NOT NULL,
		imports TEXT NOT NULL DEFAULT '[]',
		exports TEXT NOT NULL DEFAULT '[]',
		exchange TEXT NOT NULL DEFAULT '[]'
	);`,
	`CREATE INDEX IF NOT EXISTS idx_markets_system ON markets(system_symbol);`,
	`CREATE TABLE IF NOT EXISTS market_tradegoods (
		waypoint_symbol TEXT NOT NULL,
		system_symbol TEXT NOT NULL,
		symbol TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		trade_volume INTEGER NOT NULL DEFAULT 0,
		supply TEXT NOT NULL DEFAULT '',
		activity TEXT NOT NULL DEFAULT '',
		purchase_price INTEGER NOT NULL DEFAULT 0,
		sell_price INTEGER NOT NULL DEFAULT 0,
		observed_at DATETIME NOT NULL,
		PRIMARY KEY (waypoint_symbol, symbol, observed_at)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tradegoods_system_good ON market_tradegoods(system_symbol, symbol);`,
	`CREATE TABLE IF NOT EXISTS shipyards (
		symbol TEXT PRIMARY KEY,
		system_symbol TEXT NOT NULL,
		ship_types TEXT NOT NULL DEFAULT '[]',
		modifications_fee INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS idx_shipyards_system ON shipyards(system_symbol);`,
	`CREATE TABLE IF NOT EXISTS shipyard_ships (
		waypoint_symbol TEXT NOT NULL,
		system_symbol TEXT NOT NULL,
		type TEXT NOT NULL,
		supply TEXT NOT NULL DEFAULT '',
		activity TEXT NOT NULL DEFAULT '',
		purchase_price INTEGER NOT NULL DEFAULT 0,
		observed_at DATETIME NOT NULL,
		PRIMARY KEY (waypoint_symbol, type, observed_at)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_shipyard_ships_system_type ON shipyard_ships(system_symbol, type);`,
	`CREATE TABLE IF NOT EXISTS jump_gates (
		symbol TEXT PRIMARY KEY,
		system_symbol TEXT NOT NULL,
		connections TEXT NOT NULL DEFAULT '[]'
	);`,
}

var schemaV2 = []string{
	`ALTER TABLE tasks ADD COLUMN last_error TEXT NOT NULL DEFAULT '';`,
	`CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		cron_expr TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		descriptor TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		next_run_at DATETIME,
		last_run_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run_at);`,
}

// nullString maps "" to SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
