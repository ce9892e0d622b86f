package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/basket/gofleet/internal/bus"
)

const maxEnvelopeBytes = 1 << 20

// RelayConfig configures a Relay.
type RelayConfig struct {
	Queues       Queues
	Bus          *bus.Bus
	AuthToken    string
	AllowOrigins []string
	Logger       *slog.Logger
}

// Relay exposes a local Queues to other processes over HTTP. Envelopes and
// results travel as CBOR; bus events stream as JSON over a websocket.
type Relay struct {
	cfg    RelayConfig
	logger *slog.Logger
}

// NewRelay returns a relay serving cfg.Queues.
func NewRelay(cfg RelayConfig) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{cfg: cfg, logger: logger.With("component", "relay")}
}

// Handler returns the relay's routes wrapped in bearer authentication.
func (rl *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tiers/{tier}/requests", rl.handlePush)
	mux.HandleFunc("GET /v1/tiers/{tier}/results/{id}", rl.handleTake)
	mux.HandleFunc("DELETE /v1/tiers/{tier}/results/{id}", rl.handleAbandon)
	mux.HandleFunc("GET /ws/events", rl.handleEvents)
	mux.HandleFunc("GET /healthz", rl.handleHealthz)
	return NewAuthMiddleware(rl.cfg.AuthToken).Wrap(mux)
}

func pathTier(r *http.Request) (int, bool) {
	n, err := strconv.Atoi(r.PathValue("tier"))
	return n, err == nil
}

func (rl *Relay) writeQueueError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrUnknownTier) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	rl.logger.Error("queue operation failed", "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (rl *Relay) handlePush(w http.ResponseWriter, r *http.Request) {
	tier, ok := pathTier(r)
	if !ok {
		http.Error(w, "bad tier", http.StatusBadRequest)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEnvelopeBytes))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	var env Envelope
	if err := cborDec.Unmarshal(raw, &env); err != nil {
		http.Error(w, "decode envelope: "+err.Error(), http.StatusBadRequest)
		return
	}
	if env.ID == "" {
		http.Error(w, "envelope id is required", http.StatusBadRequest)
		return
	}
	if err := rl.cfg.Queues.Push(r.Context(), tier, env); err != nil {
		rl.writeQueueError(w, err)
		return
	}
	rl.logger.Debug("envelope relayed", "tier", tier, "id", env.ID, "method", env.Method, "endpoint", env.Endpoint)
	w.WriteHeader(http.StatusAccepted)
}

func (rl *Relay) handleTake(w http.ResponseWriter, r *http.Request) {
	tier, ok := pathTier(r)
	if !ok {
		http.Error(w, "bad tier", http.StatusBadRequest)
		return
	}
	res, ready, err := rl.cfg.Queues.Take(r.Context(), tier, r.PathValue("id"))
	if err != nil {
		rl.writeQueueError(w, err)
		return
	}
	if !ready {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	data, err := cborEnc.Marshal(toWire(res))
	if err != nil {
		rl.logger.Error("encode result", "error", err)
		http.Error(w, "encode result", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", cborContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (rl *Relay) handleAbandon(w http.ResponseWriter, r *http.Request) {
	tier, ok := pathTier(r)
	if !ok {
		http.Error(w, "bad tier", http.StatusBadRequest)
		return
	}
	if err := rl.cfg.Queues.Abandon(r.Context(), tier, r.PathValue("id")); err != nil {
		rl.writeQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rl *Relay) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{"healthy": true}
	if p, ok := rl.cfg.Queues.(interface{ Pending() []int }); ok {
		payload["pending"] = p.Pending()
	}
	if d, ok := rl.cfg.Queues.(*Dispatcher); ok {
		payload["served"] = d.Served()
		payload["dispatching"] = d.Running()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
