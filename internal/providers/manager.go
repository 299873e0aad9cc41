package providers

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/kestrelbot/kestrel/internal/config"
)

// Manager holds the configured providers and tracks the default.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	def       string
}

// NewManager constructs every configured provider. The default falls back
// to the first configured name (sorted) when unset.
func NewManager(settings config.ProviderSettings, logger *slog.Logger) (*Manager, error) {
	m := &Manager{providers: make(map[string]Provider, len(settings.Providers))}
	if !settings.Enabled {
		return m, nil
	}
	for name, pc := range settings.Providers {
		opts := Options{
			Name:      name,
			Model:     pc.Model,
			BaseURL:   pc.BaseURL,
			Keys:      pc.Keys,
			MaxTokens: pc.MaxTokens,
			Timeout:   settings.Timeout,
			Logger:    logger,
		}
		var p Provider
		switch pc.Type {
		case config.ProviderOpenAI:
			p = NewOpenAI(opts)
		case config.ProviderAnthropic:
			p = NewAnthropic(opts)
		case config.ProviderGoogle:
			p = NewGoogle(opts)
		default:
			return nil, fmt.Errorf("provider %q: unknown type %q", name, pc.Type)
		}
		m.providers[name] = p
	}

	m.def = settings.Default
	if m.def == "" && len(m.providers) > 0 {
		names := m.Names()
		m.def = names[0]
	}
	if m.def != "" {
		if _, ok := m.providers[m.def]; !ok {
			return nil, fmt.Errorf("default provider %q is not configured", m.def)
		}
	}
	return m, nil
}

// Register installs a provider instance, replacing any with the same name.
// The first registered provider becomes the default when none is set.
func (m *Manager) Register(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.Name()] = p
	if m.def == "" {
		m.def = p.Name()
	}
}

// Default returns the default provider, nil when none is configured.
func (m *Manager) Default() Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.def == "" {
		return nil
	}
	return m.providers[m.def]
}

// Get returns a provider by configured name.
func (m *Manager) Get(name string) (Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[name]
	return p, ok
}

// SetDefault switches the default provider.
func (m *Manager) SetDefault(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[name]; !ok {
		return fmt.Errorf("provider %q is not configured", name)
	}
	m.def = name
	return nil
}

// Names lists the configured provider names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns how many providers are configured.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.providers)
}
