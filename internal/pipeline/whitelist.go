package pipeline

import (
	"context"
	"log/slog"

	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/pkg/models"
)

const whitelistNotice = "This session is not on the whitelist."

// WhitelistStage stops events from origins outside the configured set. A
// listed entry may be a full unified origin, a "platform:type" prefix, or a
// bare session id.
type WhitelistStage struct {
	cfg    config.WhitelistConfig
	logger *slog.Logger
}

func (s *WhitelistStage) Name() string { return "whitelist" }

func (s *WhitelistStage) Initialize(_ context.Context, deps *Deps) error {
	s.cfg = deps.Config.Whitelist
	s.logger = deps.logger().With("stage", s.Name())
	return nil
}

func (s *WhitelistStage) Process(ctx context.Context, ev *models.Event) (PostFunc, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}
	origin := ev.UnifiedOrigin()
	for _, entry := range s.cfg.Origins {
		if entry == origin || entry == ev.Session.ID ||
			entry == ev.Session.Platform+":"+string(ev.Session.MessageType) {
			return nil, nil
		}
	}

	s.logger.Info("origin not whitelisted", "origin", origin)
	if s.cfg.Notify && ev.Sender.Role == models.RoleAdmin {
		if err := ev.Send(ctx, models.TextChain(whitelistNotice)); err != nil {
			s.logger.Warn("whitelist notice failed", "origin", origin, "error", err)
		}
	}
	ev.Stop()
	return nil, nil
}
