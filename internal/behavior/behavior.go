// Package behavior holds the long-running ship tasks the scheduler runs:
// probing a waypoint and seeding a system with probes.
package behavior

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/gofleet/internal/gateway"
	"github.com/basket/gofleet/internal/persistence"
	"github.com/basket/gofleet/internal/scheduler"
	"github.com/basket/gofleet/internal/ship"
	"github.com/basket/gofleet/internal/universe"
)

const (
	DefaultProbeInterval = 10 * time.Minute
	ProbeShipType        = "SHIP_PROBE"
	// defaultProbePrice stands in for shipyards whose listing has no price yet.
	defaultProbePrice = 28000
)

// Store is the cache the tasks read and write.
type Store interface {
	universe.Store
	ship.Store
	ship.Getter
	GetAgent(ctx context.Context, symbol string) (*persistence.AgentRecord, error)
}

// Tasks is the part of the task table the tasks touch.
type Tasks interface {
	ship.TaskProvisioner
	AssignTask(ctx context.Context, agentID, pool, descriptor string) error
	ProbeAssignments(ctx context.Context, owner, system string) ([]persistence.ProbeAssignment, error)
}

// Deps are shared by every task built from the registry.
type Deps struct {
	API    *gateway.Client
	Store  Store
	Tasks  Tasks
	Logger *slog.Logger

	ProbeInterval time.Duration
	Now           func() time.Time
	Sleep         func(ctx context.Context, d time.Duration) error
}

// Register adds the probe and seed verbs to reg.
func Register(reg *scheduler.Registry, d *Deps) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.ProbeInterval <= 0 {
		d.ProbeInterval = DefaultProbeInterval
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	reg.Register("probe", 2, func(args []string) (scheduler.Task, error) {
		kind := args[0]
		if kind != KindMarket && kind != KindShipyard {
			return nil, fmt.Errorf("probe kind %q is not market or shipyard", kind)
		}
		return &probeTask{deps: d, kind: kind, waypoint: args[1]}, nil
	})
	reg.Register("seed", 2, func(args []string) (scheduler.Task, error) {
		return &seedTask{deps: d, pool: args[0], system: args[1]}, nil
	})
}

// session is one ship acting with its owner's credentials.
type session struct {
	api   *gateway.Client
	ctrl  *ship.Controller
	owner string
}

func (d *Deps) open(ctx context.Context, shipSymbol string) (*session, error) {
	s, err := ship.Load(ctx, d.Store, shipSymbol)
	if err != nil {
		return nil, fmt.Errorf("load ship: %w", err)
	}
	api := d.API
	rec, err := d.Store.GetAgent(ctx, s.AgentSymbol)
	switch {
	case err == nil:
		api = api.WithToken(rec.Token)
	case !errors.Is(err, persistence.ErrNotFound):
		return nil, err
	}
	ctrl := ship.NewController(s, ship.Config{
		API:    api,
		Store:  d.Store,
		Tasks:  d.Tasks,
		Logger: d.Logger,
		Now:    d.Now,
		Sleep:  d.Sleep,
	})
	if err := ctrl.Refresh(ctx); err != nil {
		return nil, err
	}
	return &session{api: api, ctrl: ctrl, owner: s.AgentSymbol}, nil
}

func (d *Deps) system(ctx context.Context, sess *session) (*universe.System, error) {
	return universe.Load(ctx, d.Store, sess.api, sess.ctrl.Ship().Nav.SystemSymbol, d.Logger)
}
