package precheck

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// LoadRules reads a JSON5 rules file.
func LoadRules(path string) (Rules, error) {
	var r Rules
	data, err := os.ReadFile(path)
	if err != nil {
		return r, fmt.Errorf("read rules: %w", err)
	}
	if err := json5.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("parse rules: %w", err)
	}
	return r, nil
}

// Watcher reloads a Gate's rules when the rules file changes.
type Watcher struct {
	gate     *Gate
	path     string
	debounce time.Duration
	fw       *fsnotify.Watcher
	done     chan struct{}
}

func NewWatcher(gate *Gate, path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and config managers replace files by rename.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	return &Watcher{gate: gate, path: filepath.Clean(path), debounce: 200 * time.Millisecond, fw: fw, done: make(chan struct{})}, nil
}

// Start runs the reload loop until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Watcher) Stop() {
	w.fw.Close()
	<-w.done
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("precheck: watcher error", "error", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	r, err := LoadRules(w.path)
	if err != nil {
		// Keep the previous rules.
		slog.Warn("precheck: reload failed", "path", w.path, "error", err)
		return
	}
	w.gate.SetRules(r)
	slog.Info("precheck: rules reloaded", "path", w.path, "keywords", len(r.TransferKeywords), "vip_direct_transfer", r.VIPDirectTransfer)
}
