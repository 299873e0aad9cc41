package plugins

import (
	"fmt"
	"sort"
	"sync"
)

// Registry indexes every loaded handler by event kind, full name, and
// owning plugin, ordered by descending priority.
//
// Mutations happen from lifecycle code only (load, reload, explicit
// activation changes); reads come from concurrent pipeline runs. The lock
// keeps those reads safe against control-path mutations.
type Registry struct {
	mu sync.RWMutex
	// handlers stays sorted by (-priority, insertion seq).
	handlers []*Handler
	byName   map[string]*Handler
	plugins  map[string]*Plugin
	nextSeq  int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]*Handler),
		plugins: make(map[string]*Plugin),
	}
}

// RegisterPlugin adds the plugin and all of its handlers.
func (r *Registry) RegisterPlugin(p *Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.Name]; exists {
		return fmt.Errorf("plugin %q already registered", p.Name)
	}
	for _, h := range p.Handlers {
		if _, exists := r.byName[h.FullName]; exists {
			return fmt.Errorf("handler %q already registered", h.FullName)
		}
	}
	r.plugins[p.Name] = p
	for _, h := range p.Handlers {
		h.PluginName = p.Name
		r.insert(h)
	}
	return nil
}

// Append inserts one handler honoring priority order.
func (r *Registry) Append(h *Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[h.FullName]; exists {
		return fmt.Errorf("handler %q already registered", h.FullName)
	}
	r.insert(h)
	return nil
}

// insert places h before the first handler with a strictly lower priority,
// keeping registration order among equals. Caller holds the lock.
func (r *Registry) insert(h *Handler) {
	h.seq = r.nextSeq
	r.nextSeq++
	i := sort.Search(len(r.handlers), func(i int) bool {
		return r.handlers[i].Priority < h.Priority
	})
	r.handlers = append(r.handlers, nil)
	copy(r.handlers[i+1:], r.handlers[i:])
	r.handlers[i] = h
	r.byName[h.FullName] = h
}

// ByKind returns the handlers for an event kind in descending priority.
// With onlyActivated set, handlers of deactivated plugins are skipped.
// With a non-empty platformID, handlers of plugins disabled on that
// platform are skipped; KindLoaded ignores the platform filter.
func (r *Registry) ByKind(kind EventKind, onlyActivated bool, platformID string) []*Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Handler
	for _, h := range r.handlers {
		if h.Kind != kind {
			continue
		}
		p := r.plugins[h.PluginName]
		if onlyActivated && p != nil && !p.Activated {
			continue
		}
		if platformID != "" && kind != KindLoaded && p != nil && !p.EnabledOn(platformID) {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Get returns the handler with the given full name.
func (r *Registry) Get(fullName string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byName[fullName]
	return h, ok
}

// ByPlugin returns every handler the plugin contributed, priority order.
func (r *Registry) ByPlugin(name string) []*Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Handler
	for _, h := range r.handlers {
		if h.PluginName == name {
			out = append(out, h)
		}
	}
	return out
}

// Plugin returns the plugin with the given name.
func (r *Registry) Plugin(name string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Plugins returns every registered plugin, registration order not
// guaranteed.
func (r *Registry) Plugins() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	return out
}

// SetActivated flips a plugin's activation. Returns false when the plugin
// is unknown.
func (r *Registry) SetActivated(name string, activated bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[name]
	if !ok {
		return false
	}
	p.Activated = activated
	return true
}

// Remove drops one handler by full name.
func (r *Registry) Remove(fullName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.handlers {
		if h.FullName == fullName {
			r.handlers = append(r.handlers[:i], r.handlers[i+1:]...)
			break
		}
	}
	delete(r.byName, fullName)
}

// RemovePlugin drops the plugin and every handler it contributed.
func (r *Registry) RemovePlugin(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.handlers[:0]
	for _, h := range r.handlers {
		if h.PluginName == name {
			delete(r.byName, h.FullName)
			continue
		}
		kept = append(kept, h)
	}
	r.handlers = kept
	delete(r.plugins, name)
}

// Clear empties the registry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = nil
	r.byName = make(map[string]*Handler)
	r.plugins = make(map[string]*Plugin)
	r.nextSeq = 0
}
