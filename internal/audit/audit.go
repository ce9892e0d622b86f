// Package audit appends operator-visible ownership and control events to
// <home>/logs/audit.jsonl.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/gofleet/internal/shared"
)

// Actions recorded by the scheduler and the command surface.
const (
	ActionTakeover = "task.takeover"
	ActionAssign   = "task.assign"
	ActionCancel   = "task.cancel"
	ActionRegister = "agent.register"
	ActionReset    = "universe.reset"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Subject   string `json:"subject"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu      sync.Mutex
	file    *os.File
	written atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Count returns the number of entries recorded since startup.
func Count() int64 {
	return written.Load()
}

// Record appends one entry. It is a no-op until Init succeeds.
func Record(action, subject, reason string) {
	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Subject:   subject,
		Reason:    reason,
	})
	if err != nil {
		return
	}
	if _, err := file.Write(append(b, '\n')); err == nil {
		written.Add(1)
	}
}
