package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/pkg/models"
)

// RateLimitStage bounds how many events a session may submit per fixed
// window. The stall strategy sleeps until the window resets; discard stops
// the event.
type RateLimitStage struct {
	cfg     config.RateLimitConfig
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

func (s *RateLimitStage) Name() string { return "ratelimit" }

func (s *RateLimitStage) Initialize(_ context.Context, deps *Deps) error {
	s.cfg = deps.Config.RateLimit
	s.logger = deps.logger().With("stage", s.Name())
	s.metrics = deps.Metrics
	s.windows = make(map[string]*rateWindow)
	if s.now == nil {
		s.now = time.Now
	}
	return nil
}

func (s *RateLimitStage) Process(ctx context.Context, ev *models.Event) (PostFunc, error) {
	if s.cfg.Limit <= 0 {
		return nil, nil
	}
	origin := ev.UnifiedOrigin()

	for {
		wait, ok := s.admit(origin)
		if ok {
			return nil, nil
		}
		if s.cfg.Strategy == config.RateLimitDiscard {
			s.metrics.recordRateLimited(s.cfg.Strategy)
			s.logger.Info("event discarded by rate limit", "origin", origin)
			ev.Stop()
			return nil, nil
		}

		s.metrics.recordRateLimited(s.cfg.Strategy)
		s.logger.Info("event stalled by rate limit", "origin", origin, "wait", wait)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			ev.Stop()
			return nil, ctx.Err()
		}
	}
}

// admit counts the event against the origin's window. When the window is
// full it returns how long until the window resets.
func (s *RateLimitStage) admit(origin string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[origin]
	if !ok || now.Sub(w.start) >= s.cfg.Window {
		s.windows[origin] = &rateWindow{start: now, count: 1}
		return 0, true
	}
	if w.count < s.cfg.Limit {
		w.count++
		return 0, true
	}
	return s.cfg.Window - now.Sub(w.start), false
}
