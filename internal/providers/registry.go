package providers

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds an adapter from its config.
type Factory func(cfg Config) (Adapter, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{
		"coze":   func(cfg Config) (Adapter, error) { return NewCozeAdapter(cfg) },
		"openai": func(cfg Config) (Adapter, error) { return NewOpenAIAdapter(cfg) },
	}
)

// Register adds or replaces a provider factory.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// New builds the adapter named by cfg.Provider.
func New(cfg Config) (Adapter, error) {
	factoriesMu.RLock()
	f, ok := factories[cfg.Provider]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Provider)
	}
	return f(cfg)
}

// Names lists the registered provider names.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	out := make([]string, 0, len(factories))
	for n := range factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
