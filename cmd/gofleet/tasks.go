package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/basket/gofleet/internal/audit"
	"github.com/basket/gofleet/internal/behavior"
	"github.com/basket/gofleet/internal/config"
	"github.com/basket/gofleet/internal/persistence"
	"github.com/basket/gofleet/internal/scheduler"
)

// descriptorRegistry knows every verb the daemon runs. Its tasks are only
// parsed here, never run.
func descriptorRegistry() *scheduler.Registry {
	reg := scheduler.NewRegistry()
	behavior.Register(reg, &behavior.Deps{})
	return reg
}

// withTaskStore opens the configured task table for one command.
func withTaskStore(ctx context.Context, fn func(persistence.TaskStore) error) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if err := audit.Init(cfg.HomeDir); err == nil {
		defer func() { _ = audit.Close() }()
	}
	st, err := openStores(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()
	if err := fn(st.tasks); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runQueueCommand(ctx context.Context, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: gofleet queue <agent> <descriptor...>")
		return 2
	}
	agentID, descriptor := args[0], strings.Join(args[1:], " ")
	if err := descriptorRegistry().Validate(descriptor); err != nil {
		fmt.Fprintf(os.Stderr, "invalid descriptor: %v\n", err)
		return 2
	}
	return withTaskStore(ctx, func(tasks persistence.TaskStore) error {
		if err := tasks.QueueTask(ctx, agentID, descriptor); err != nil {
			return fmt.Errorf("queue %s: %w", agentID, err)
		}
		fmt.Printf("queued %q for %s\n", descriptor, agentID)
		return nil
	})
}

func runCancelCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: gofleet cancel <agent>")
		return 2
	}
	agentID := args[0]
	return withTaskStore(ctx, func(tasks persistence.TaskStore) error {
		if err := tasks.RequestCancel(ctx, agentID); err != nil {
			return fmt.Errorf("cancel %s: %w", agentID, err)
		}
		audit.Record(audit.ActionCancel, agentID, "requested from the command line")
		fmt.Printf("cancel requested for %s\n", agentID)
		return nil
	})
}

func runAssignCommand(ctx context.Context, args []string) int {
	if len(args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: gofleet assign <agent> <pool> <descriptor...>")
		return 2
	}
	agentID, pool, descriptor := args[0], args[1], strings.Join(args[2:], " ")
	if err := descriptorRegistry().Validate(descriptor); err != nil {
		fmt.Fprintf(os.Stderr, "invalid descriptor: %v\n", err)
		return 2
	}
	return withTaskStore(ctx, func(tasks persistence.TaskStore) error {
		if err := tasks.AssignTask(ctx, agentID, pool, descriptor); err != nil {
			return fmt.Errorf("assign %s: %w", agentID, err)
		}
		audit.Record(audit.ActionAssign, agentID, pool+": "+descriptor)
		fmt.Printf("assigned %q to %s in pool %q\n", descriptor, agentID, pool)
		return nil
	})
}
