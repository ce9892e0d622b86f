package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RoleResetDetection marks the agent used for requests that do not belong to
// any particular fleet.
const RoleResetDetection = "reset detection"

// AgentRecord is a registered game account.
type AgentRecord struct {
	Symbol    string    `json:"symbol"`
	Token     string    `json:"-"`
	Role      string    `json:"role,omitempty"`
	Faction   string    `json:"faction,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveAgent inserts or replaces an agent record.
func (s *Store) SaveAgent(ctx context.Context, rec AgentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (symbol, token, role, faction) VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET token = excluded.token, role = excluded.role, faction = excluded.faction;
	`, rec.Symbol, rec.Token, rec.Role, rec.Faction)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, symbol string) (*AgentRecord, error) {
	var rec AgentRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT symbol, token, role, faction, created_at FROM agents WHERE symbol = ?;
	`, symbol).Scan(&rec.Symbol, &rec.Token, &rec.Role, &rec.Faction, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &rec, nil
}

// AgentByRole returns the most recently created agent holding role.
func (s *Store) AgentByRole(ctx context.Context, role string) (*AgentRecord, error) {
	var rec AgentRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT symbol, token, role, faction, created_at FROM agents
		WHERE role = ? ORDER BY created_at DESC, symbol DESC LIMIT 1;
	`, role).Scan(&rec.Symbol, &rec.Token, &rec.Role, &rec.Faction, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent with role %q: %w", role, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("agent by role: %w", err)
	}
	return &rec, nil
}

// ListAgents returns all agent records ordered by creation time.
func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, token, role, faction, created_at FROM agents ORDER BY created_at ASC, symbol ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []AgentRecord
	for rows.Next() {
		var rec AgentRecord
		if err := rows.Scan(&rec.Symbol, &rec.Token, &rec.Role, &rec.Faction, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: iterate: %w", err)
	}
	return out, nil
}

// --- ships ---

// ShipRecord is the cached JSON document of one ship.
type ShipRecord struct {
	Symbol      string
	AgentSymbol string
	Data        json.RawMessage
	UpdatedAt   time.Time
}

func (s *Store) SaveShip(ctx context.Context, rec ShipRecord) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO ships (symbol, agent_symbol, data) VALUES (?, ?, ?)
			ON CONFLICT(symbol) DO UPDATE SET agent_symbol = excluded.agent_symbol, data = excluded.data,
				updated_at = CURRENT_TIMESTAMP;
		`, rec.Symbol, rec.AgentSymbol, string(rec.Data))
		return err
	})
	if err != nil {
		return fmt.Errorf("save ship: %w", err)
	}
	return nil
}

func (s *Store) GetShip(ctx context.Context, symbol string) (*ShipRecord, error) {
	var (
		rec  ShipRecord
		data string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT symbol, agent_symbol, data, updated_at FROM ships WHERE symbol = ?;
	`, symbol).Scan(&rec.Symbol, &rec.AgentSymbol, &data, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ship %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ship: %w", err)
	}
	rec.Data = json.RawMessage(data)
	return &rec, nil
}

// ListShips returns the ships of agentSymbol, or every ship when it is empty.
func (s *Store) ListShips(ctx context.Context, agentSymbol string) ([]ShipRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, agent_symbol, data, updated_at FROM ships
		WHERE ? = '' OR agent_symbol = ? ORDER BY symbol;
	`, agentSymbol, agentSymbol)
	if err != nil {
		return nil, fmt.Errorf("list ships: %w", err)
	}
	defer rows.Close()
	var out []ShipRecord
	for rows.Next() {
		var (
			rec  ShipRecord
			data string
		)
		if err := rows.Scan(&rec.Symbol, &rec.AgentSymbol, &data, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ship: %w", err)
		}
		rec.Data = json.RawMessage(data)
		out = append(out, rec)
	}
	return out, rows.Err()
}
