// Package pipeline runs one inbound event through the staged processing
// chain: wake detection, gating, the LLM request, and reply delivery. Stages
// may suspend once to let later stages run before their post-processing, so
// a stage that produces a live stream can finish its bookkeeping after the
// respond stage consumed it.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kestrelbot/kestrel/pkg/models"
)

// PostFunc is a stage's post-processing continuation. It runs after every
// later stage has finished (or propagation stopped).
type PostFunc func(ctx context.Context, ev *models.Event) error

// Stage is one element of the pipeline.
type Stage interface {
	Name() string
	// Initialize wires the stage to its dependencies. Called once at boot.
	Initialize(ctx context.Context, deps *Deps) error
	// Process handles the event. A nil PostFunc means the stage is done; a
	// non-nil one suspends the stage until the remaining stages complete.
	Process(ctx context.Context, ev *models.Event) (PostFunc, error)
}

// Scheduler executes the stages in order with onion-model re-entry.
type Scheduler struct {
	stages []Stage
	logger *slog.Logger
}

// NewScheduler initializes every stage and returns a ready scheduler.
func NewScheduler(ctx context.Context, deps *Deps, stages []Stage) (*Scheduler, error) {
	for _, st := range stages {
		if err := st.Initialize(ctx, deps); err != nil {
			return nil, fmt.Errorf("failed to initialize stage %s: %w", st.Name(), err)
		}
	}
	return &Scheduler{stages: stages, logger: deps.logger().With("component", "pipeline")}, nil
}

// Execute runs the whole pipeline for one event.
func (s *Scheduler) Execute(ctx context.Context, ev *models.Event) error {
	err := s.run(ctx, ev, 0)

	// The web chat UI keeps a streaming indicator open until it sees a
	// reply; close it when the pipeline produced none.
	if ev.Meta.Name == "webchat" && !ev.HasSendOperation() {
		if sendErr := ev.Send(ctx, nil); sendErr != nil {
			s.logger.Warn("empty send failed", "origin", ev.UnifiedOrigin(), "error", sendErr)
		}
	}
	return err
}

// run executes stages[i:], recursing on suspension.
func (s *Scheduler) run(ctx context.Context, ev *models.Event, i int) error {
	for ; i < len(s.stages); i++ {
		if ev.IsStopped() {
			return nil
		}
		st := s.stages[i]
		post, err := st.Process(ctx, ev)
		if err != nil {
			return fmt.Errorf("stage %s: %w", st.Name(), err)
		}
		if post == nil {
			continue
		}
		if err := s.run(ctx, ev, i+1); err != nil {
			return err
		}
		if err := post(ctx, ev); err != nil {
			return fmt.Errorf("stage %s post: %w", st.Name(), err)
		}
		return nil
	}
	return nil
}

// DefaultStages returns the fixed stage order.
func DefaultStages() []Stage {
	return []Stage{
		&WakeStage{},
		&CompatStage{},
		&GateStage{},
		&WhitelistStage{},
		&RateLimitStage{},
		&SafetyStage{},
		&PreprocessStage{},
		&ProcessStage{},
		&DecorateStage{},
		&RespondStage{},
	}
}
