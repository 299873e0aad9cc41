package pipeline

import (
	"context"
	"log/slog"

	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/internal/plugins"
	"github.com/kestrelbot/kestrel/pkg/models"
)

const flaggedOutputNotice = "The reply was withheld by the content filter."

// DecorateStage runs the on_decorating_result hooks and applies the
// configured reply decorations (prefix, at-sender, quote) to ordinary
// chains. LLM output flagged by the content filter is replaced by a notice.
type DecorateStage struct {
	reply  config.ReplyConfig
	safety config.SafetyConfig
	filter *contentFilter

	registry *plugins.Registry
	logger   *slog.Logger
}

func (s *DecorateStage) Name() string { return "decorate" }

func (s *DecorateStage) Initialize(_ context.Context, deps *Deps) error {
	s.reply = deps.Config.Reply
	s.safety = deps.Config.Safety
	s.registry = deps.Registry
	s.logger = deps.logger().With("stage", s.Name())
	if s.safety.Enabled {
		s.filter = newContentFilter(s.safety.Keywords, s.logger)
	}
	return nil
}

func (s *DecorateStage) Process(ctx context.Context, ev *models.Event) (PostFunc, error) {
	res := ev.Result()
	if res == nil {
		return nil, nil
	}

	for _, h := range s.registry.ByKind(plugins.KindDecorating, true, ev.Platform) {
		if err := h.Fn(ctx, ev, nil); err != nil {
			s.logger.Error("on_decorating_result hook failed", "handler", h.FullName, "error", err)
			continue
		}
		if ev.IsStopped() {
			return nil, nil
		}
	}

	res = ev.Result()
	if res == nil || res.Kind == models.ResultStreaming || res.Kind == models.ResultStreamingFinal || res.Chain == nil {
		return nil, nil
	}

	if s.safety.Enabled && res.IsLLMResult() && s.filter.Flagged(res.Chain.PlainText()) {
		s.logger.Info("llm reply flagged", "origin", ev.UnifiedOrigin())
		res.Chain = models.TextChain(flaggedOutputNotice)
		return nil, nil
	}

	s.decorate(ev, res)
	return nil, nil
}

// decorate prepends the quote, the at-mention, and the reply prefix. The
// leading order [reply, at, text…] is what the respond stage's segment
// extraction expects.
func (s *DecorateStage) decorate(ev *models.Event, res *models.EventResult) {
	chain := res.Chain
	if s.reply.Prefix != "" {
		chain.Components = append([]models.Component{models.Plain{Text: s.reply.Prefix}}, chain.Components...)
	}
	if s.reply.AtSender && ev.Session.MessageType == models.MessageTypeGroup && ev.Sender.ID != "" {
		chain.Components = append([]models.Component{models.At{ID: ev.Sender.ID, Name: ev.Sender.Nickname}}, chain.Components...)
	}
	if s.reply.QuoteReply && ev.MessageID != "" {
		chain.Components = append([]models.Component{models.Reply{ID: ev.MessageID, SenderID: ev.Sender.ID}}, chain.Components...)
	}
}
