package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/basket/gofleet/internal/agent"
	"github.com/basket/gofleet/internal/audit"
	"github.com/basket/gofleet/internal/config"
)

func runRegisterCommand(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("register", pflag.ContinueOnError)
	faction := fs.String("faction", agent.DefaultFaction, "starting faction")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: gofleet register [--faction symbol]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if cfg.API.AccountToken == "" {
		fmt.Fprintln(os.Stderr, "an account token is required: set api.account_token or ST_ACCOUNT_TOKEN")
		return 1
	}
	if err := audit.Init(cfg.HomeDir); err == nil {
		defer func() { _ = audit.Close() }()
	}
	logger, closer, err := commandLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer closer.Close()
	st, err := openStores(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer st.Close()

	api, err := commandAPI(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		return 1
	}
	reg, err := agent.RegisterRandom(ctx, api, st.agents(), agent.Options{
		Faction:      *faction,
		AccountToken: cfg.API.AccountToken,
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("registered %s (%s)\n", reg.Agent.Symbol, reg.Agent.Faction)
	if reg.Ship == nil {
		return 0
	}
	fmt.Printf("starting ship %s at %s\n", reg.Ship.Symbol, reg.Ship.Nav.WaypointSymbol)
	return 0
}
