package pipeline

import (
	"context"
	"log/slog"

	"github.com/kestrelbot/kestrel/internal/plugins"
	"github.com/kestrelbot/kestrel/pkg/models"
)

const noPermissionNotice = "You don't have permission to use this command."

// GateStage selects the handlers that will run for this event: every
// message handler whose filters all match, in priority order. A handler
// that matched everything except its permission filter triggers a refusal
// notice instead of silence.
type GateStage struct {
	registry *plugins.Registry
	logger   *slog.Logger
}

func (s *GateStage) Name() string { return "gate" }

func (s *GateStage) Initialize(_ context.Context, deps *Deps) error {
	s.registry = deps.Registry
	s.logger = deps.logger().With("stage", s.Name())
	return nil
}

func (s *GateStage) Process(ctx context.Context, ev *models.Event) (PostFunc, error) {
	notified := false
	for _, h := range s.registry.ByKind(plugins.KindMessage, true, ev.Platform) {
		if ev.Extras.IncompatibleHandlers[h.FullName] {
			continue
		}
		params, ok := h.Match(ev)
		if ok {
			ev.Extras.ActivatedHandlers = append(ev.Extras.ActivatedHandlers, models.ActivatedHandler{
				FullName: h.FullName,
				Params:   params,
			})
			continue
		}
		if !notified && s.deniedByPermission(h, ev) {
			notified = true
			if err := ev.Send(ctx, models.TextChain(noPermissionNotice)); err != nil {
				s.logger.Warn("permission notice failed", "origin", ev.UnifiedOrigin(), "error", err)
			}
		}
	}
	return nil, nil
}

// deniedByPermission reports whether the handler failed to match solely
// because the sender lacks the admin role.
func (s *GateStage) deniedByPermission(h *plugins.Handler, ev *models.Event) bool {
	hasPermission := false
	for _, f := range h.Filters {
		if plugins.IsPermissionFilter(f) {
			hasPermission = true
			continue
		}
		if _, ok := f.Match(ev); !ok {
			return false
		}
	}
	return hasPermission && ev.Sender.Role != models.RoleAdmin
}
