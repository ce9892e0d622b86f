package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: gofleet <command> [arguments]

COMMANDS:
  daemon [--quiet]                       Run the dispatcher, relay, pool scheduler and cron
  queue <agent> <descriptor...>          Queue a task for an agent
  cancel <agent>                         Cancel an agent's current task
  assign <agent> <pool> <descriptor...>  Hand a running task to another pool
  status [--pool name]                   Show the task table
  route <system> <from> <to>             Plan a route from the cached universe
        [--capacity n] [--speed n] [--reactor symbol]
  register [--faction symbol]            Register an agent under a random symbol
  watch [--topic prefix] [--json]        Stream relay events
  doctor [--json]                        Run diagnostic checks
  version                                Print the version

DESCRIPTORS:
  probe market|shipyard <waypoint>       Park a probe and observe the waypoint
  seed <pool> <system>                   Buy probes for every unobserved market and shipyard

ENVIRONMENT VARIABLES:
  GOFLEET_HOME            Data directory (default: ~/.gofleet)
  ST_ACCOUNT_TOKEN        Account token used to register agents
  GOFLEET_POOL            Pool scheduled by the daemon
  GOFLEET_LOG_LEVEL       debug, info, warn or error
  GOFLEET_BASE_URL        Game API base URL
  GOFLEET_RELAY_URL       Send requests through a remote relay
  GOFLEET_RELAY_TOKEN     Relay bearer token
  GOFLEET_BIND_ADDR       Serve the relay on this address
  GOFLEET_DATABASE_DRIVER sqlite or postgres
  GOFLEET_DATABASE_DSN    Postgres connection string for the task table
`)
}

func main() {
	// .env is optional; variables already set win.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}
	code := run(ctx, os.Args[1], os.Args[2:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, command string, args []string) int {
	switch strings.ToLower(strings.TrimSpace(command)) {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return 0
	case "version", "--version":
		fmt.Println(Version)
		return 0
	case "daemon":
		return runDaemon(ctx, args)
	case "queue":
		return runQueueCommand(ctx, args)
	case "cancel":
		return runCancelCommand(ctx, args)
	case "assign":
		return runAssignCommand(ctx, args)
	case "status":
		return runStatusCommand(ctx, args)
	case "route":
		return runRouteCommand(ctx, args)
	case "register":
		return runRegisterCommand(ctx, args)
	case "watch":
		return runWatchCommand(ctx, args)
	case "doctor":
		return runDoctorCommand(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		printUsage(os.Stderr)
		return 2
	}
}
