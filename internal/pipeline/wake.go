package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/pkg/models"
)

// WakeStage decides whether the bot was addressed. It resolves the sender
// role from the configured admin list, drops the bot's own messages when
// configured, and strips the matched wake prefix from the working text.
type WakeStage struct {
	cfg    *config.Config
	logger *slog.Logger
}

func (s *WakeStage) Name() string { return "wake" }

func (s *WakeStage) Initialize(_ context.Context, deps *Deps) error {
	s.cfg = deps.Config
	s.logger = deps.logger().With("stage", s.Name())
	return nil
}

func (s *WakeStage) Process(_ context.Context, ev *models.Event) (PostFunc, error) {
	if s.cfg.Wake.IgnoreSelf && ev.SelfID != "" && ev.Sender.ID == ev.SelfID {
		ev.Stop()
		return nil, nil
	}
	if ev.Sender.Role == "" {
		ev.Sender.Role = models.RoleMember
	}
	if s.cfg.IsAdmin(ev.Sender.ID) {
		ev.Sender.Role = models.RoleAdmin
	}

	text := strings.TrimSpace(ev.MessageStr)

	// Prefix match wakes in any context. Prefixes are matched as whole
	// UTF-8 strings, so multibyte prefixes never split a rune.
	for _, prefix := range s.cfg.Wake.Prefixes {
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(text, prefix) {
			ev.IsWake = true
			ev.IsAtOrWakeCommand = true
			text = strings.TrimSpace(strings.TrimPrefix(text, prefix))
			break
		}
	}

	// An at-mention of the bot wakes group messages.
	if !ev.IsWake && ev.SelfID != "" {
		for _, comp := range ev.Message.Components {
			if at, ok := comp.(models.At); ok && at.ID == ev.SelfID {
				ev.IsWake = true
				ev.IsAtOrWakeCommand = true
				break
			}
		}
	}

	// Direct sessions wake without a prefix unless configured otherwise.
	if !ev.IsWake && ev.Session.MessageType == models.MessageTypeFriend && !s.cfg.Wake.FriendNeedsPrefix {
		ev.IsWake = true
		ev.IsAtOrWakeCommand = true
	}

	ev.MessageStr = text
	return nil, nil
}
