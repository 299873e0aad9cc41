package pipeline

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/pkg/models"
)

const safetyNotice = "The message was blocked by the content filter."

// contentFilter matches text against the configured blocked keywords. Each
// keyword compiles as a regular expression; ones that do not compile fall
// back to literal substring matching.
type contentFilter struct {
	patterns []*regexp.Regexp
	literals []string
}

func newContentFilter(keywords []string, logger *slog.Logger) *contentFilter {
	f := &contentFilter{}
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		re, err := regexp.Compile(kw)
		if err != nil {
			logger.Warn("safety keyword is not a valid regexp, matching literally", "keyword", kw, "error", err)
			f.literals = append(f.literals, kw)
			continue
		}
		f.patterns = append(f.patterns, re)
	}
	return f
}

func (f *contentFilter) Flagged(text string) bool {
	if f == nil || text == "" {
		return false
	}
	for _, re := range f.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	for _, lit := range f.literals {
		if strings.Contains(text, lit) {
			return true
		}
	}
	return false
}

// SafetyStage stops events whose plain-text projection matches a blocked
// keyword. The same filter is reused by the decorate stage on LLM output.
type SafetyStage struct {
	cfg    config.SafetyConfig
	filter *contentFilter
	logger *slog.Logger
}

func (s *SafetyStage) Name() string { return "safety" }

func (s *SafetyStage) Initialize(_ context.Context, deps *Deps) error {
	s.cfg = deps.Config.Safety
	s.logger = deps.logger().With("stage", s.Name())
	if s.cfg.Enabled {
		s.filter = newContentFilter(s.cfg.Keywords, s.logger)
	}
	return nil
}

func (s *SafetyStage) Process(ctx context.Context, ev *models.Event) (PostFunc, error) {
	if !s.cfg.Enabled || !s.filter.Flagged(ev.MessageStr) {
		return nil, nil
	}
	s.logger.Info("inbound message flagged", "origin", ev.UnifiedOrigin())
	if err := ev.Send(ctx, models.TextChain(safetyNotice)); err != nil {
		s.logger.Warn("safety notice failed", "origin", ev.UnifiedOrigin(), "error", err)
	}
	ev.Stop()
	return nil, nil
}
