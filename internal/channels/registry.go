package channels

import (
	"context"
	"log/slog"
	"sync"
)

// Registry tracks the running adapter instances by id. Registration happens
// during startup; reads afterwards are concurrent with pipeline runs.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *slog.Logger

	running sync.WaitGroup
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds an adapter, replacing any previous instance with the same id.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get returns the adapter with the given instance id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// All returns a snapshot of every registered adapter.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// RunAll starts one goroutine per adapter. Adapter failures are logged, not
// fatal: one broken platform must not take the others down.
func (r *Registry) RunAll(ctx context.Context) {
	for _, a := range r.All() {
		a := a
		r.running.Add(1)
		go func() {
			defer r.running.Done()
			r.logger.Info("adapter starting", "platform", a.Name(), "id", a.ID())
			if err := a.Run(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("adapter exited", "platform", a.Name(), "id", a.ID(), "error", err)
				return
			}
			r.logger.Info("adapter stopped", "platform", a.Name(), "id", a.ID())
		}()
	}
}

// TerminateAll tears down every adapter and waits for their Run goroutines.
// Call after canceling the context RunAll was started with.
func (r *Registry) TerminateAll(ctx context.Context) {
	for _, a := range r.All() {
		if err := a.Terminate(ctx); err != nil {
			r.logger.Warn("adapter terminate failed", "platform", a.Name(), "id", a.ID(), "error", err)
		}
	}
	done := make(chan struct{})
	go func() {
		r.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
