package pipeline

import (
	"context"
	"log/slog"

	"github.com/kestrelbot/kestrel/internal/plugins"
	"github.com/kestrelbot/kestrel/pkg/models"
)

// CompatStage marks handlers whose plugin is disabled on the event's
// platform so later stages skip them without re-consulting the registry.
type CompatStage struct {
	registry *plugins.Registry
	logger   *slog.Logger
}

func (s *CompatStage) Name() string { return "platform-compat" }

func (s *CompatStage) Initialize(_ context.Context, deps *Deps) error {
	s.registry = deps.Registry
	s.logger = deps.logger().With("stage", s.Name())
	return nil
}

func (s *CompatStage) Process(_ context.Context, ev *models.Event) (PostFunc, error) {
	for _, h := range s.registry.ByKind(plugins.KindMessage, true, "") {
		p, ok := s.registry.Plugin(h.PluginName)
		if !ok || p.EnabledOn(ev.Platform) {
			continue
		}
		if ev.Extras.IncompatibleHandlers == nil {
			ev.Extras.IncompatibleHandlers = make(map[string]bool)
		}
		ev.Extras.IncompatibleHandlers[h.FullName] = true
	}
	return nil, nil
}
