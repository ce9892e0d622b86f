// Package pg stores the task table in PostgreSQL so scheduler pools on
// different hosts can share it.
package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/gofleet/internal/persistence"
)

// ErrConflict is returned on unique constraint violations.
var ErrConflict = errors.New("pg: conflict")

type Store struct {
	pool *pgxpool.Pool
}

var _ persistence.TaskStore = (*Store)(nil)

func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	// Ping to fail fast.
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the tasks table when it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`create table if not exists tasks (
			agent_id text primary key,
			owner text not null default '',
			current text,
			queued text,
			cancel boolean not null default false,
			pool text not null default '',
			incarnation text,
			last_error text not null default '',
			updated_at timestamptz not null default now()
		)`,
		`create index if not exists idx_tasks_pool on tasks(pool)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", mapPgErr(err))
		}
	}
	return nil
}

const taskColumns = `agent_id, owner, coalesce(current, ''), coalesce(queued, ''), cancel, pool, coalesce(incarnation, ''), last_error, updated_at`

func scanTask(row pgx.Row) (persistence.TaskRow, error) {
	var t persistence.TaskRow
	err := row.Scan(&t.AgentID, &t.Owner, &t.Current, &t.Queued, &t.Cancel, &t.Pool, &t.Incarnation, &t.LastError, &t.UpdatedAt)
	return t, err
}

func (s *Store) queryTasks(ctx context.Context, q string, args ...any) ([]persistence.TaskRow, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()
	var out []persistence.TaskRow
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ListTasks(ctx context.Context, pool string) ([]persistence.TaskRow, error) {
	out, err := s.queryTasks(ctx, `select `+taskColumns+` from tasks where pool = $1 order by agent_id`, pool)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

func (s *Store) ListAllTasks(ctx context.Context) ([]persistence.TaskRow, error) {
	out, err := s.queryTasks(ctx, `select `+taskColumns+` from tasks order by pool, agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list all tasks: %w", err)
	}
	return out, nil
}

func (s *Store) GetTask(ctx context.Context, agentID string) (*persistence.TaskRow, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `select `+taskColumns+` from tasks where agent_id = $1`, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", agentID, persistence.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", mapPgErr(err))
	}
	return &t, nil
}

func (s *Store) execCAS(ctx context.Context, op, q string, args ...any) (bool, error) {
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, mapPgErr(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) execOne(ctx context.Context, op, agentID, q string, args ...any) error {
	ok, err := s.execCAS(ctx, op, q, args...)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", op, agentID, persistence.ErrNotFound)
	}
	return nil
}

func (s *Store) ClaimTask(ctx context.Context, agentID, expected, incarnation string) (bool, error) {
	return s.execCAS(ctx, "claim task", `
		update tasks set incarnation = $1, updated_at = now()
		where agent_id = $2 and incarnation is not distinct from nullif($3, '')
	`, incarnation, agentID, expected)
}

func (s *Store) ClearCurrent(ctx context.Context, agentID, incarnation, current string) (bool, error) {
	return s.execCAS(ctx, "clear current", `
		update tasks set current = null, updated_at = now()
		where agent_id = $1 and incarnation = $2 and current = $3
	`, agentID, incarnation, current)
}

func (s *Store) ClearCancel(ctx context.Context, agentID, incarnation string) (bool, error) {
	return s.execCAS(ctx, "clear cancel", `
		update tasks set current = null, cancel = false, last_error = '', updated_at = now()
		where agent_id = $1 and incarnation = $2
	`, agentID, incarnation)
}

func (s *Store) PromoteQueued(ctx context.Context, agentID, incarnation, queued string) (bool, error) {
	return s.execCAS(ctx, "promote queued", `
		update tasks set current = queued, queued = null, last_error = '', updated_at = now()
		where agent_id = $1 and incarnation = $2 and current is null and queued = $3
	`, agentID, incarnation, queued)
}

func (s *Store) SetLastError(ctx context.Context, agentID, msg string) error {
	return s.execOne(ctx, "set last error", agentID, `
		update tasks set last_error = $1, updated_at = now() where agent_id = $2
	`, msg, agentID)
}

func (s *Store) ProvisionTask(ctx context.Context, agentID, owner, pool string) error {
	if _, err := s.pool.Exec(ctx, `
		insert into tasks (agent_id, owner, pool) values ($1, $2, $3)
		on conflict (agent_id) do nothing
	`, agentID, owner, pool); err != nil {
		return fmt.Errorf("provision task: %w", mapPgErr(err))
	}
	return nil
}

func (s *Store) QueueTask(ctx context.Context, agentID, descriptor string) error {
	return s.execOne(ctx, "queue task", agentID, `
		update tasks set queued = $1, updated_at = now() where agent_id = $2
	`, descriptor, agentID)
}

func (s *Store) RequestCancel(ctx context.Context, agentID string) error {
	return s.execOne(ctx, "request cancel", agentID, `
		update tasks set cancel = true, updated_at = now() where agent_id = $1
	`, agentID)
}

func (s *Store) AssignTask(ctx context.Context, agentID, pool, descriptor string) error {
	if _, err := s.pool.Exec(ctx, `
		insert into tasks (agent_id, current, pool) values ($1, $2, $3)
		on conflict (agent_id) do update
		set current = excluded.current,
		    pool = excluded.pool,
		    incarnation = null,
		    cancel = false,
		    last_error = '',
		    updated_at = now()
	`, agentID, descriptor, pool); err != nil {
		return fmt.Errorf("assign task: %w", mapPgErr(err))
	}
	return nil
}

func (s *Store) ProbeAssignments(ctx context.Context, owner, system string) ([]persistence.ProbeAssignment, error) {
	rows, err := s.pool.Query(ctx, `
		select agent_id, current from tasks
		where owner = $1 and current like 'probe % ' || $2 || '-%'
		order by agent_id
	`, owner, system)
	if err != nil {
		return nil, fmt.Errorf("probe assignments: %w", mapPgErr(err))
	}
	defer rows.Close()
	var out []persistence.ProbeAssignment
	for rows.Next() {
		var agentID, current string
		if err := rows.Scan(&agentID, &current); err != nil {
			return nil, fmt.Errorf("scan probe assignment: %w", err)
		}
		if pa, ok := persistence.ParseProbeDescriptor(agentID, current); ok {
			out = append(out, pa)
		}
	}
	return out, rows.Err()
}

func mapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrConflict
		case "23503":
			return persistence.ErrNotFound
		default:
			return fmt.Errorf("db_error %s: %s", pgErr.Code, pgErr.Message)
		}
	}
	return err
}
