package behavior

import (
	"context"
	"fmt"
)

// Probe kinds.
const (
	KindMarket   = "market"
	KindShipyard = "shipyard"
)

// probeTask parks a ship at a waypoint and records its market, and its
// shipyard for the shipyard kind, every probe interval until canceled.
type probeTask struct {
	deps     *Deps
	kind     string
	waypoint string
}

func (t *probeTask) String() string {
	return fmt.Sprintf("probe %s %s", t.kind, t.waypoint)
}

func (t *probeTask) Run(ctx context.Context, agentID string) error {
	sess, err := t.deps.open(ctx, agentID)
	if err != nil {
		return err
	}
	sys, err := t.deps.system(ctx, sess)
	if err != nil {
		return err
	}
	if err := Travel(ctx, sess.ctrl, sys, t.waypoint, true); err != nil {
		return err
	}
	t.deps.Logger.Info("probing", "ship", agentID, "kind", t.kind, "waypoint", t.waypoint)
	for {
		if t.kind == KindShipyard {
			if _, _, err := sess.ctrl.Shipyard(ctx); err != nil {
				return err
			}
		}
		if _, _, err := sess.ctrl.Market(ctx); err != nil {
			return err
		}
		if err := sess.ctrl.Sleep(ctx, t.deps.ProbeInterval); err != nil {
			return err
		}
	}
}
