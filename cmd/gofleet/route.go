package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/pflag"

	"github.com/basket/gofleet/internal/agent"
	"github.com/basket/gofleet/internal/config"
	"github.com/basket/gofleet/internal/pathing"
	"github.com/basket/gofleet/internal/universe"
)

func runRouteCommand(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("route", pflag.ContinueOnError)
	capacity := fs.Int("capacity", 400, "fuel capacity of the ship")
	speed := fs.Int("speed", 30, "engine speed of the ship")
	reactor := fs.String("reactor", "REACTOR_FISSION_I", "reactor symbol of the ship")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 3 {
		fmt.Fprintln(os.Stderr, "usage: gofleet route <system> <from> <to> [--capacity n] [--speed n] [--reactor symbol]")
		return 2
	}
	system, from, to := fs.Arg(0), fs.Arg(1), fs.Arg(2)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
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
	api, err = universe.ClientFor(ctx, api, agent.TokenResolver(api, st.agents(), agent.Options{
		AccountToken: cfg.API.AccountToken,
		Logger:       logger,
	}))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	sys, err := universe.Load(ctx, st.cache, api, system, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", system, err)
		return 1
	}
	stops, err := sys.FuelStops(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fuel stops: %v\n", err)
		return 1
	}
	route, err := pathing.PlanRoute(sys.Graph(), from, to, stops, pathing.Profile{
		FuelCapacity: *capacity,
		Speed:        *speed,
		Reactor:      *reactor,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "plan %s -> %s: %v\n", from, to, err)
		return 1
	}
	fmt.Println(renderRoute(route))
	return 0
}

func renderRoute(r *pathing.Route) string {
	if len(r.Hops) == 0 {
		return fmt.Sprintf("already at %s", r.Path[0])
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("FROM", "TO", "MODE", "DISTANCE", "FUEL", "TIME")
	fuel := 0
	for _, h := range r.Hops {
		fuel += h.Fuel
		t.Row(h.From, h.To, string(h.Mode),
			strconv.Itoa(h.Distance), strconv.Itoa(h.Fuel),
			(time.Duration(h.Time) * time.Second).String())
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return headerStyle
		}
		return cellStyle
	})
	total := time.Duration(r.TotalTime()) * time.Second
	return fmt.Sprintf("%s\n%d hops, %d fuel, %s", t.String(), len(r.Hops), fuel, total)
}
