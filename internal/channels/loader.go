package channels

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Factory creates a Channel from its static configuration.
type Factory func(cfg Config) (Channel, error)

// Binder receives the channel-to-agent bindings of loaded channels.
type Binder interface {
	BindChannel(channelID, agentID, fallbackAgentID string)
}

// Loader creates channel instances from configuration through per-type
// factories and registers them with the Manager.
type Loader struct {
	factories map[string]Factory
	manager   *Manager
	binder    Binder
	mu        sync.Mutex
	loaded    map[string]struct{} // channel ids managed by this loader
}

// NewLoader creates a loader. binder may be nil.
func NewLoader(mgr *Manager, binder Binder) *Loader {
	return &Loader{
		factories: make(map[string]Factory),
		manager:   mgr,
		binder:    binder,
		loaded:    make(map[string]struct{}),
	}
}

// RegisterFactory registers a factory for a channel type (e.g., "telegram", "webhook").
func (l *Loader) RegisterFactory(channelType string, factory Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[channelType] = factory
}

// Types returns the registered channel types, sorted.
func (l *Loader) Types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.factories))
	for t := range l.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// LoadAll creates and registers every configured channel. A failing
// instance is logged and skipped; the number registered is returned.
func (l *Loader) LoadAll(cfgs []Config) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	registered := 0
	for _, cfg := range cfgs {
		if err := l.load(cfg); err != nil {
			slog.Error("failed to load channel", "channel_id", cfg.ID, "type", cfg.Type, "error", err)
			continue
		}
		registered++
	}
	if registered == 0 {
		slog.Warn("no channels enabled")
	}
	return registered
}

// Reload unregisters every managed channel and loads cfgs in their place.
func (l *Loader) Reload(cfgs []Config) int {
	l.mu.Lock()
	for id := range l.loaded {
		l.manager.UnregisterChannel(id)
	}
	l.loaded = make(map[string]struct{})
	l.mu.Unlock()
	return l.LoadAll(cfgs)
}

// load creates and registers a single channel (caller must hold lock).
func (l *Loader) load(cfg Config) error {
	if cfg.ID == "" {
		return fmt.Errorf("channel without id")
	}
	factory, ok := l.factories[cfg.Type]
	if !ok {
		return fmt.Errorf("%q: %w", cfg.Type, ErrUnsupportedChannel)
	}
	ch, err := factory(cfg)
	if err != nil {
		return err
	}

	l.manager.RegisterChannel(ch)
	l.loaded[cfg.ID] = struct{}{}
	if l.binder != nil {
		l.binder.BindChannel(cfg.ID, cfg.AgentID, cfg.FallbackAgentID)
	}

	slog.Info("channel loaded", "channel_id", cfg.ID, "type", cfg.Type, "agent_id", cfg.AgentID)
	return nil
}
