package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskRow is the durable scheduling record of one agent. Empty strings stand
// for SQL NULL in Current, Queued and Incarnation.
type TaskRow struct {
	AgentID     string    `json:"agent_id"`
	Owner       string    `json:"owner,omitempty"`
	Current     string    `json:"current,omitempty"`
	Queued      string    `json:"queued,omitempty"`
	Cancel      bool      `json:"cancel"`
	Pool        string    `json:"pool"`
	Incarnation string    `json:"incarnation,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProbeAssignment is a task row whose current descriptor parks a probe at a
// waypoint.
type ProbeAssignment struct {
	AgentID  string
	Kind     string
	Waypoint string
}

// TaskStore is the task table contract shared by the sqlite and postgres
// backends. The conditional updates report whether a row was changed; false
// means another writer got there first.
type TaskStore interface {
	ListTasks(ctx context.Context, pool string) ([]TaskRow, error)
	ListAllTasks(ctx context.Context) ([]TaskRow, error)
	GetTask(ctx context.Context, agentID string) (*TaskRow, error)

	ClaimTask(ctx context.Context, agentID, expected, incarnation string) (bool, error)
	ClearCurrent(ctx context.Context, agentID, incarnation, current string) (bool, error)
	ClearCancel(ctx context.Context, agentID, incarnation string) (bool, error)
	PromoteQueued(ctx context.Context, agentID, incarnation, queued string) (bool, error)
	SetLastError(ctx context.Context, agentID, msg string) error

	ProvisionTask(ctx context.Context, agentID, owner, pool string) error
	QueueTask(ctx context.Context, agentID, descriptor string) error
	RequestCancel(ctx context.Context, agentID string) error
	AssignTask(ctx context.Context, agentID, pool, descriptor string) error
	ProbeAssignments(ctx context.Context, owner, system string) ([]ProbeAssignment, error)
}

var _ TaskStore = (*Store)(nil)

const taskColumns = `agent_id, owner, COALESCE(current, ''), COALESCE(queued, ''), cancel, pool, COALESCE(incarnation, ''), last_error, updated_at`

func scanTaskRow(scanFn func(dest ...any) error, row *TaskRow) error {
	var cancel int
	if err := scanFn(&row.AgentID, &row.Owner, &row.Current, &row.Queued, &cancel, &row.Pool, &row.Incarnation, &row.LastError, &row.UpdatedAt); err != nil {
		return err
	}
	row.Cancel = cancel != 0
	return nil
}

func (s *Store) queryTasks(ctx context.Context, q string, args ...any) ([]TaskRow, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaskRow
	for rows.Next() {
		var row TaskRow
		if err := scanTaskRow(rows.Scan, &row); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListTasks returns the rows owned by pool, ordered by agent.
func (s *Store) ListTasks(ctx context.Context, pool string) ([]TaskRow, error) {
	out, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE pool = ? ORDER BY agent_id;`, pool)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

func (s *Store) ListAllTasks(ctx context.Context) ([]TaskRow, error) {
	out, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY pool, agent_id;`)
	if err != nil {
		return nil, fmt.Errorf("list all tasks: %w", err)
	}
	return out, nil
}

func (s *Store) GetTask(ctx context.Context, agentID string) (*TaskRow, error) {
	var row TaskRow
	err := scanTaskRow(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE agent_id = ?;`, agentID).Scan, &row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &row, nil
}

// execCAS runs a conditional update and reports whether exactly one row changed.
func (s *Store) execCAS(ctx context.Context, op, q string, args ...any) (bool, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

// execOne runs an update that must hit an existing row.
func (s *Store) execOne(ctx context.Context, op, agentID, q string, args ...any) error {
	ok, err := s.execCAS(ctx, op, q, args...)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", op, agentID, ErrNotFound)
	}
	return nil
}

// ClaimTask takes ownership of a row for incarnation, provided its owner is
// still expected. Two schedulers racing for the same row cannot both win.
func (s *Store) ClaimTask(ctx context.Context, agentID, expected, incarnation string) (bool, error) {
	return s.execCAS(ctx, "claim task", `
		UPDATE tasks SET incarnation = ?, updated_at = CURRENT_TIMESTAMP
		WHERE agent_id = ? AND incarnation IS ?;
	`, incarnation, agentID, nullString(expected))
}

// ClearCurrent marks the current descriptor finished. It is a no-op if the
// row was reassigned in the meantime.
func (s *Store) ClearCurrent(ctx context.Context, agentID, incarnation, current string) (bool, error) {
	return s.execCAS(ctx, "clear current", `
		UPDATE tasks SET current = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE agent_id = ? AND incarnation = ? AND current = ?;
	`, agentID, incarnation, current)
}

// ClearCancel completes a cancellation: current, cancel and last_error reset.
func (s *Store) ClearCancel(ctx context.Context, agentID, incarnation string) (bool, error) {
	return s.execCAS(ctx, "clear cancel", `
		UPDATE tasks SET current = NULL, cancel = 0, last_error = '', updated_at = CURRENT_TIMESTAMP
		WHERE agent_id = ? AND incarnation = ?;
	`, agentID, incarnation)
}

// PromoteQueued moves queued into current when the row is idle and queued
// still holds the descriptor the caller observed.
func (s *Store) PromoteQueued(ctx context.Context, agentID, incarnation, queued string) (bool, error) {
	return s.execCAS(ctx, "promote queued", `
		UPDATE tasks SET current = queued, queued = NULL, last_error = '', updated_at = CURRENT_TIMESTAMP
		WHERE agent_id = ? AND incarnation = ? AND current IS NULL AND queued = ?;
	`, agentID, incarnation, queued)
}

func (s *Store) SetLastError(ctx context.Context, agentID, msg string) error {
	return s.execOne(ctx, "set last error", agentID, `
		UPDATE tasks SET last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?;
	`, msg, agentID)
}

// ProvisionTask creates an idle row. An existing row is left untouched.
func (s *Store) ProvisionTask(ctx context.Context, agentID, owner, pool string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (agent_id, owner, pool) VALUES (?, ?, ?)
			ON CONFLICT(agent_id) DO NOTHING;
		`, agentID, owner, pool)
		return err
	})
	if err != nil {
		return fmt.Errorf("provision task: %w", err)
	}
	return nil
}

func (s *Store) QueueTask(ctx context.Context, agentID, descriptor string) error {
	return s.execOne(ctx, "queue task", agentID, `
		UPDATE tasks SET queued = ?, updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?;
	`, descriptor, agentID)
}

func (s *Store) RequestCancel(ctx context.Context, agentID string) error {
	return s.execOne(ctx, "request cancel", agentID, `
		UPDATE tasks SET cancel = 1, updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?;
	`, agentID)
}

// AssignTask hands descriptor to pool as the running task. The incarnation
// is cleared so the pool's scheduler treats the row as orphaned and resumes it.
func (s *Store) AssignTask(ctx context.Context, agentID, pool, descriptor string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (agent_id, current, pool) VALUES (?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				current = excluded.current,
				pool = excluded.pool,
				incarnation = NULL,
				cancel = 0,
				last_error = '',
				updated_at = CURRENT_TIMESTAMP;
		`, agentID, descriptor, pool)
		return err
	})
	if err != nil {
		return fmt.Errorf("assign task: %w", err)
	}
	return nil
}

// ProbeAssignments lists owner's agents currently probing a waypoint of system.
func (s *Store) ProbeAssignments(ctx context.Context, owner, system string) ([]ProbeAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, current FROM tasks
		WHERE owner = ? AND current LIKE 'probe % ' || ? || '-%'
		ORDER BY agent_id;
	`, owner, system)
	if err != nil {
		return nil, fmt.Errorf("probe assignments: %w", err)
	}
	defer rows.Close()
	var out []ProbeAssignment
	for rows.Next() {
		var agentID, current string
		if err := rows.Scan(&agentID, &current); err != nil {
			return nil, fmt.Errorf("scan probe assignment: %w", err)
		}
		if pa, ok := ParseProbeDescriptor(agentID, current); ok {
			out = append(out, pa)
		}
	}
	return out, rows.Err()
}

// ParseProbeDescriptor splits "probe <kind> <waypoint>".
func ParseProbeDescriptor(agentID, current string) (ProbeAssignment, bool) {
	f := strings.Fields(current)
	if len(f) != 3 || f[0] != "probe" {
		return ProbeAssignment{}, false
	}
	return ProbeAssignment{AgentID: agentID, Kind: f[1], Waypoint: f[2]}, true
}
