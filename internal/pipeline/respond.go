package pipeline

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"regexp"
	"time"
	"unicode"

	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/internal/plugins"
	"github.com/kestrelbot/kestrel/pkg/models"
)

// RespondStage delivers the event result: streams are handed to the
// adapter, ordinary chains go through outbound path mapping and optional
// segmentation, and the on_after_message_sent hooks run once delivery is
// done.
type RespondStage struct {
	seg   config.SegmentedConfig
	segRe *regexp.Regexp
	lo    float64
	hi    float64
	rules map[string][]PathRule

	registry *plugins.Registry
	logger   *slog.Logger

	// Test seams.
	sleep func(ctx context.Context, d time.Duration) error
	randf func() float64
}

func (s *RespondStage) Name() string { return "respond" }

func (s *RespondStage) Initialize(_ context.Context, deps *Deps) error {
	s.seg = deps.Config.Reply.Segmented
	s.registry = deps.Registry
	s.logger = deps.logger().With("stage", s.Name())
	if s.seg.Enabled {
		re, err := regexp.Compile(s.seg.Regex)
		if err != nil {
			return err
		}
		s.segRe = re
		if s.seg.Method == config.PacingRandom {
			lo, hi, err := s.seg.IntervalRange()
			if err != nil {
				return err
			}
			s.lo, s.hi = lo, hi
		}
	}
	rules, err := platformPathRules(deps.Config)
	if err != nil {
		return err
	}
	s.rules = rules
	if s.sleep == nil {
		s.sleep = sleepCtx
	}
	if s.randf == nil {
		s.randf = rand.Float64
	}
	return nil
}

func (s *RespondStage) Process(ctx context.Context, ev *models.Event) (PostFunc, error) {
	res := ev.Result()
	if res == nil {
		return nil, nil
	}

	switch res.Kind {
	case models.ResultStreamingFinal:
		// The stream was already consumed and the final reply delivered.
		return nil, nil
	case models.ResultStreaming:
		if res.Stream != nil {
			ev.PreSend(ctx)
			if err := ev.SendStreaming(ctx, res.Stream, !ev.Meta.SupportsStreaming); err != nil {
				s.logger.Error("streaming delivery failed", "origin", ev.UnifiedOrigin(), "error", err)
			}
			ev.PostSend(ctx)
		}
		s.afterSend(ctx, ev)
		return nil, nil
	}

	for _, chain := range ev.Extras.ToolCallResults {
		if chain.Empty() {
			continue
		}
		if err := ev.Send(ctx, chain); err != nil {
			s.logger.Error("tool result delivery failed", "origin", ev.UnifiedOrigin(), "error", err)
		}
	}

	chain := res.Chain
	if chain.Empty() {
		s.logger.Debug("empty reply dropped", "origin", ev.UnifiedOrigin())
		ev.Stop()
		return nil, nil
	}
	if rules := s.rules[ev.Meta.Name]; len(rules) > 0 {
		mapChainPaths(rules, chain)
	}

	ev.PreSend(ctx)
	var err error
	if s.seg.Enabled && (!s.seg.OnlyLLMResult || res.IsLLMResult()) {
		err = s.sendSegmented(ctx, ev, chain)
	} else {
		err = ev.Send(ctx, chain)
	}
	ev.PostSend(ctx)
	if err != nil {
		s.logger.Error("reply delivery failed", "origin", ev.UnifiedOrigin(), "error", err)
		return nil, nil
	}

	s.afterSend(ctx, ev)
	return nil, nil
}

func (s *RespondStage) afterSend(ctx context.Context, ev *models.Event) {
	for _, h := range s.registry.ByKind(plugins.KindAfterSend, true, ev.Platform) {
		if err := h.Fn(ctx, ev, nil); err != nil {
			s.logger.Error("on_after_message_sent hook failed", "handler", h.FullName, "error", err)
			continue
		}
		if ev.IsStopped() {
			return
		}
	}
}

// sendSegmented splits the chain into separately sent messages. Leading
// quote and at-mention decorations are repeated on every segment; plain
// text splits on the configured boundary regex, other components become
// one segment each. The source chain is left untouched.
func (s *RespondStage) sendSegmented(ctx context.Context, ev *models.Event, chain *models.MessageChain) error {
	body := chain.Components
	lead := 0
scan:
	for ; lead < len(body); lead++ {
		switch body[lead].(type) {
		case models.Reply, models.At:
		default:
			break scan
		}
	}
	decorations := body[:lead]
	body = body[lead:]

	var segments []models.Component
	for _, comp := range body {
		p, ok := comp.(models.Plain)
		if !ok {
			segments = append(segments, comp)
			continue
		}
		for _, piece := range s.segRe.Split(p.Text, -1) {
			if piece == "" {
				continue
			}
			segments = append(segments, models.Plain{Text: piece})
		}
	}
	if len(segments) == 0 {
		return ev.Send(ctx, chain)
	}

	for _, seg := range segments {
		if err := s.sleep(ctx, s.pacingDelay(seg)); err != nil {
			return err
		}
		comps := make([]models.Component, 0, len(decorations)+1)
		comps = append(comps, decorations...)
		comps = append(comps, seg)
		if err := ev.Send(ctx, models.NewChain(comps...)); err != nil {
			return err
		}
	}
	return nil
}

// pacingDelay computes the typing delay before a segment. The log method
// scales with the segment's word count; the random method draws uniformly
// from the configured interval.
func (s *RespondStage) pacingDelay(seg models.Component) time.Duration {
	var seconds float64
	switch s.seg.Method {
	case config.PacingLog:
		var words int
		if p, ok := seg.(models.Plain); ok {
			words = wordCount(p.Text)
		}
		seconds = math.Log(float64(words+1)) / math.Log(s.seg.LogBase)
	case config.PacingRandom:
		seconds = s.lo + s.randf()*(s.hi-s.lo)
	}
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// wordCount counts whitespace-separated words, with every CJK rune counted
// as a word of its own.
func wordCount(text string) int {
	count, inWord := 0, false
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			count++
			inWord = false
		case unicode.IsSpace(r):
			inWord = false
		default:
			if !inWord {
				count++
				inWord = true
			}
		}
	}
	return count
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
