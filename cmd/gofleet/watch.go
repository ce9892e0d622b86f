package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/basket/gofleet/internal/config"
	"github.com/basket/gofleet/internal/gateway"
)

func runWatchCommand(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	topic := fs.String("topic", "", "only show topics with this prefix, e.g. task.")
	asJSON := fs.Bool("json", false, "print raw event messages")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	relayURL := watchURL(cfg.Relay)
	if relayURL == "" {
		fmt.Fprintln(os.Stderr, "no relay configured: set relay.url or relay.bind_addr")
		return 1
	}
	token, err := cfg.RelayToken()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	err = gateway.WatchEvents(ctx, relayURL, token, *topic, func(msg gateway.EventMessage) error {
		return printEvent(os.Stdout, msg, *asJSON)
	})
	if err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// watchURL prefers the remote relay and falls back to the local one.
func watchURL(rc config.RelayConfig) string {
	if rc.URL != "" {
		return rc.URL
	}
	if rc.BindAddr == "" {
		return ""
	}
	addr := rc.BindAddr
	if strings.HasPrefix(addr, ":") || strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "127.0.0.1:" + addr[strings.LastIndex(addr, ":")+1:]
	}
	return "http://" + addr
}

func printEvent(w io.Writer, msg gateway.EventMessage, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(msg)
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return err
	}
	replay := ""
	if msg.Replay {
		replay = " (replay)"
	}
	_, err = fmt.Fprintf(w, "%s %-16s %s%s\n", msg.SentAt.Format("15:04:05"), msg.Topic, payload, replay)
	return err
}
