// Package agent registers game accounts.
package agent

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/basket/gofleet/internal/audit"
	"github.com/basket/gofleet/internal/gateway"
	"github.com/basket/gofleet/internal/persistence"
	"github.com/basket/gofleet/internal/retry"
	"github.com/basket/gofleet/internal/ship"
)

const (
	DefaultFaction = "COSMIC"
	symbolLength   = 14
	symbolAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Store persists registered agents and their starting ship.
type Store interface {
	ship.Store
	ship.TaskProvisioner
	SaveAgent(ctx context.Context, rec persistence.AgentRecord) error
	AgentByRole(ctx context.Context, role string) (*persistence.AgentRecord, error)
}

// Options tune a registration.
type Options struct {
	Faction      string
	AccountToken string
	Role         string
	// SkipShip leaves the starting ship out of the store.
	SkipShip bool
	Policy   *retry.Policy
	Logger   *slog.Logger
}

// Registration is what the server returned for a new agent.
type Registration struct {
	Agent persistence.AgentRecord
	Ship  *ship.Ship
}

type registerReply struct {
	Token string `json:"token"`
	Agent struct {
		Symbol       string `json:"symbol"`
		Headquarters string `json:"headquarters"`
		Credits      int    `json:"credits"`
	} `json:"agent"`
	Ship json.RawMessage `json:"ship"`
}

// RandomSymbol returns a fresh 14 character agent symbol.
func RandomSymbol() (string, error) {
	b := make([]byte, symbolLength)
	n := big.NewInt(int64(len(symbolAlphabet)))
	for i := range b {
		k, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", err
		}
		b[i] = symbolAlphabet[k.Int64()]
	}
	return string(b), nil
}

// RegisterRandom registers an agent under a random symbol, drawing a new
// symbol for every attempt of the retry budget.
func RegisterRandom(ctx context.Context, api *gateway.Client, store Store, opts Options) (*Registration, error) {
	if opts.Faction == "" {
		opts.Faction = DefaultFaction
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AccountToken != "" {
		api = api.WithToken(opts.AccountToken)
	}
	policy := retry.DefaultPolicy
	if opts.Policy != nil {
		policy = *opts.Policy
	}
	if policy.Retryable == nil {
		policy.Retryable = func(err error) bool { return !retry.Permanent(err) }
	}

	res := retry.Do(ctx, policy, func(ctx context.Context, attempt int) (registerReply, error) {
		symbol, err := RandomSymbol()
		if err != nil {
			return registerReply{}, err
		}
		var reply registerReply
		err = api.Post(ctx, "register", map[string]string{"symbol": symbol, "faction": opts.Faction}, &reply)
		if err != nil {
			opts.Logger.Warn("registration failed", "symbol", symbol, "attempt", attempt, "error", err)
		}
		return reply, err
	})
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	return save(ctx, store, res.Value, opts)
}

func save(ctx context.Context, store Store, reply registerReply, opts Options) (*Registration, error) {
	rec := persistence.AgentRecord{
		Symbol:  reply.Agent.Symbol,
		Token:   reply.Token,
		Role:    opts.Role,
		Faction: opts.Faction,
	}
	if err := store.SaveAgent(ctx, rec); err != nil {
		return nil, err
	}
	audit.Record(audit.ActionRegister, rec.Symbol, opts.Role)
	opts.Logger.Info("agent registered", "agent", rec.Symbol, "faction", rec.Faction, "credits", reply.Agent.Credits)

	out := &Registration{Agent: rec}
	if opts.SkipShip || len(reply.Ship) == 0 {
		return out, nil
	}
	var s ship.Ship
	if err := json.Unmarshal(reply.Ship, &s); err != nil {
		return nil, fmt.Errorf("decode starting ship: %w", err)
	}
	s.AgentSymbol = rec.Symbol
	shipRec, err := s.Record()
	if err != nil {
		return nil, err
	}
	if err := store.SaveShip(ctx, shipRec); err != nil {
		return nil, err
	}
	if err := store.ProvisionTask(ctx, s.Symbol, rec.Symbol, ""); err != nil {
		return nil, err
	}
	out.Ship = &s
	return out, nil
}

// ResetDetection returns the agent used for requests that belong to no
// fleet, registering one on first use. Its token stops working when the
// server resets.
func ResetDetection(ctx context.Context, api *gateway.Client, store Store, opts Options) (*persistence.AgentRecord, error) {
	rec, err := store.AgentByRole(ctx, persistence.RoleResetDetection)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}
	opts.Role = persistence.RoleResetDetection
	opts.SkipShip = true
	reg, err := RegisterRandom(ctx, api, store, opts)
	if err != nil {
		return nil, err
	}
	return &reg.Agent, nil
}

// TokenResolver adapts ResetDetection for clients that need a fallback
// token.
func TokenResolver(api *gateway.Client, store Store, opts Options) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		rec, err := ResetDetection(ctx, api, store, opts)
		if err != nil {
			return "", err
		}
		return rec.Token, nil
	}
}
