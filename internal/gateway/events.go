package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/gofleet/internal/bus"
)

// EventMessage is one bus event as streamed to watchers.
type EventMessage struct {
	Seq     uint64    `json:"seq"`
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	Replay  bool      `json:"replay,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// handleEvents streams bus events matching the optional ?topic= prefix.
// Recent events are replayed first; live events already replayed are
// skipped by sequence number.
func (rl *Relay) handleEvents(w http.ResponseWriter, r *http.Request) {
	if rl.cfg.Bus == nil {
		http.Error(w, "event bus not configured", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: rl.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	prefix := r.URL.Query().Get("topic")
	sub := rl.cfg.Bus.Subscribe(prefix)
	defer rl.cfg.Bus.Unsubscribe(sub)
	rl.logger.Info("watcher connected", "topic", prefix)

	// Watchers never send; CloseRead notices when they hang up.
	ctx := conn.CloseRead(r.Context())

	var replayed uint64
	for _, ev := range rl.cfg.Bus.Recent(prefix) {
		if err := wsjson.Write(ctx, conn, eventMessage(ev, true)); err != nil {
			return
		}
		replayed = ev.Seq
	}
	for {
		select {
		case <-ctx.Done():
			rl.logger.Info("watcher disconnected", "topic", prefix)
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if ev.Seq <= replayed {
				continue
			}
			if err := wsjson.Write(ctx, conn, eventMessage(ev, false)); err != nil {
				rl.logger.Debug("watcher write failed", "error", err)
				return
			}
		}
	}
}

func eventMessage(ev bus.Event, replay bool) EventMessage {
	return EventMessage{Seq: ev.Seq, Topic: ev.Topic, Payload: ev.Payload, Replay: replay, SentAt: ev.At}
}

// WatchEvents dials a relay's event stream and calls fn for each event
// until ctx ends, the relay closes the stream, or fn returns an error.
func WatchEvents(ctx context.Context, relayURL, token, topic string, fn func(EventMessage) error) error {
	u := strings.TrimRight(relayURL, "/") + "/ws/events"
	u = "ws" + strings.TrimPrefix(u, "http")
	if topic != "" {
		u += "?topic=" + url.QueryEscape(topic)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	for {
		var msg EventMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
