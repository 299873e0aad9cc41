package pipeline

import (
	"context"
	"log/slog"

	"github.com/kestrelbot/kestrel/pkg/models"
)

// PreprocessStage rewrites inbound file paths through the per-platform
// mapping rules, for adapters that write temp files on other mounts.
type PreprocessStage struct {
	rules  map[string][]PathRule
	logger *slog.Logger
}

func (s *PreprocessStage) Name() string { return "preprocess" }

func (s *PreprocessStage) Initialize(_ context.Context, deps *Deps) error {
	s.logger = deps.logger().With("stage", s.Name())
	rules, err := platformPathRules(deps.Config)
	if err != nil {
		return err
	}
	s.rules = rules
	return nil
}

func (s *PreprocessStage) Process(_ context.Context, ev *models.Event) (PostFunc, error) {
	if rules := s.rules[ev.Meta.Name]; len(rules) > 0 {
		mapChainPaths(rules, ev.Message)
	}
	return nil, nil
}
