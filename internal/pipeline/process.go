package pipeline

import (
	"context"
	"log/slog"

	"github.com/kestrelbot/kestrel/internal/plugins"
	"github.com/kestrelbot/kestrel/pkg/models"
)

const handlerFailureNotice = "Something went wrong while handling the message :("

// ProcessStage runs the handlers the gate stage activated, then falls
// through to the LLM sub-stage when none of them produced a reply.
type ProcessStage struct {
	registry *plugins.Registry
	llm      *LLMStage
	logger   *slog.Logger
}

func (s *ProcessStage) Name() string { return "process" }

func (s *ProcessStage) Initialize(ctx context.Context, deps *Deps) error {
	s.registry = deps.Registry
	s.logger = deps.logger().With("stage", s.Name())
	s.llm = &LLMStage{}
	return s.llm.Initialize(ctx, deps)
}

func (s *ProcessStage) Process(ctx context.Context, ev *models.Event) (PostFunc, error) {
	if !ev.IsWake {
		return nil, nil
	}

	// Handler sub-stage. Only the first produced result survives; later
	// ones in the same run are dropped.
	var firstResult *models.EventResult
	for _, ah := range ev.Extras.ActivatedHandlers {
		h, ok := s.registry.Get(ah.FullName)
		if !ok {
			continue
		}
		if err := h.Fn(ctx, ev, ah.Params); err != nil {
			s.logger.Error("handler failed", "handler", ah.FullName, "origin", ev.UnifiedOrigin(), "error", err)
			if ev.Result() == nil {
				ev.SetResult(models.NewResult(models.TextChain(handlerFailureNotice)))
				firstResult = ev.Result()
			}
			continue
		}
		res := ev.Result()
		if res == nil || res == firstResult {
			continue
		}
		if res.StopPropagation {
			return nil, nil
		}
		if firstResult == nil {
			firstResult = res
			continue
		}
		s.logger.Debug("additional handler result dropped", "handler", ah.FullName)
		ev.SetResult(firstResult)
	}

	if ev.IsStopped() || firstResult != nil || ev.CallLLM {
		return nil, nil
	}
	return s.llm.Process(ctx, ev)
}
