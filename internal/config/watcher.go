package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events one editor save produces.
const reloadDebounce = 200 * time.Millisecond

// ReloadEvent carries config.yaml as re-read after a change. Err is set
// when the new file does not load; Config is then the zero value.
type ReloadEvent struct {
	Config Config
	Err    error
}

// Watcher re-reads config.yaml whenever it changes. The home directory is
// watched rather than the file so saves that replace the file by rename
// are noticed.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 1),
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	target := filepath.Clean(ConfigPath(w.homeDir))
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("config file changed", "path", ev.Name, "op", ev.Op.String())
			settle.Reset(reloadDebounce)
		case <-settle.C:
			cfg, err := LoadFrom(w.homeDir)
			if err != nil {
				cfg = Config{}
			}
			w.deliver(ReloadEvent{Config: cfg, Err: err})
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// deliver keeps only the newest reload when the consumer lags.
func (w *Watcher) deliver(ev ReloadEvent) {
	select {
	case <-w.events:
	default:
	}
	w.events <- ev
}
