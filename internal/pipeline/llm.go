package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kestrelbot/kestrel/internal/config"
	"github.com/kestrelbot/kestrel/internal/conversations"
	"github.com/kestrelbot/kestrel/internal/plugins"
	"github.com/kestrelbot/kestrel/internal/providers"
	"github.com/kestrelbot/kestrel/internal/tools"
	"github.com/kestrelbot/kestrel/pkg/models"
)

// maxToolLoops bounds how many times the call loop may re-enter on tool
// responses in one event.
const maxToolLoops = 30

// LLMStage derives a provider request from the event (or reuses a
// pre-seeded one), drives the provider call loop with tool round-trips,
// and persists the resulting history. In streaming mode the loop runs in
// its own goroutine feeding a relay the respond stage hands to the
// adapter; the stage suspends and finishes its bookkeeping once the relay
// is exhausted.
type LLMStage struct {
	cfg           *config.Config
	registry      *plugins.Registry
	tools         *tools.Manager
	providers     *providers.Manager
	conversations *conversations.Manager
	metrics       *Metrics
	logger        *slog.Logger
}

func (s *LLMStage) Name() string { return "llm" }

func (s *LLMStage) Initialize(_ context.Context, deps *Deps) error {
	s.cfg = deps.Config
	s.registry = deps.Registry
	s.tools = deps.Tools
	s.providers = deps.Providers
	s.conversations = deps.Conversations
	s.metrics = deps.Metrics
	s.logger = deps.logger().With("stage", s.Name())
	return nil
}

func (s *LLMStage) Process(ctx context.Context, ev *models.Event) (PostFunc, error) {
	provider := s.providers.Default()
	if provider == nil {
		return nil, nil
	}

	req := ev.Extras.ProviderRequest
	if req == nil {
		req = s.deriveRequest(ev)
		if req == nil {
			return nil, nil
		}
	}
	if err := s.prepareRequest(ctx, ev, req); err != nil {
		s.fail(ev, err)
		return nil, nil
	}
	ev.Extras.ProviderRequest = req

	// on_llm_request hooks may mutate the request or stop the event.
	for _, h := range s.registry.ByKind(plugins.KindLLMRequest, true, ev.Platform) {
		if err := h.Fn(ctx, ev, nil); err != nil {
			s.logger.Error("on_llm_request hook failed", "handler", h.FullName, "error", err)
			continue
		}
		if ev.IsStopped() {
			return nil, nil
		}
	}

	req.Contexts = truncateContexts(req.Contexts, s.cfg.Provider.MaxContextLength, s.cfg.Provider.DequeueContextLength)

	if s.cfg.Provider.Streaming {
		return s.processStreaming(ctx, ev, provider, req), nil
	}

	outcome := s.runLoop(ctx, ev, provider, req, nil)
	if outcome.aborted {
		return nil, nil
	}
	final := outcome.final
	switch {
	case final == nil:
		s.fail(ev, errors.New("provider returned no response"))
	case final.Role == models.RoleEntryErr:
		ev.SetResult(&models.EventResult{Chain: final.Chain, Kind: models.ResultGeneral})
	default:
		s.persist(ctx, req, outcome.trips, final)
		ev.SetResult(&models.EventResult{Chain: finalChain(final), Kind: models.ResultLLM})
	}
	return nil, nil
}

// processStreaming starts the call loop in a goroutine feeding a relay,
// sets a streaming result for the respond stage, and returns the
// continuation that persists history once the relay is exhausted.
func (s *LLMStage) processStreaming(ctx context.Context, ev *models.Event, provider providers.Provider, req *models.ProviderRequest) PostFunc {
	out := make(chan *models.LLMResponse)
	state := &llmOutcome{}
	relay := models.NewStreamRelay(out)
	ev.SetResult(&models.EventResult{Kind: models.ResultStreaming, Stream: relay})

	go func() {
		defer close(out)
		outcome := s.runLoop(ctx, ev, provider, req, func(resp *models.LLMResponse) bool {
			select {
			case out <- resp:
				return true
			case <-ctx.Done():
				return false
			}
		})
		*state = outcome
		if outcome.final != nil {
			select {
			case out <- outcome.final:
			case <-ctx.Done():
			}
		}
	}()

	return func(ctx context.Context, ev *models.Event) error {
		final, err := relay.Drain(ctx)
		if err != nil {
			return err
		}
		if state.aborted {
			ev.ClearResult()
			return nil
		}
		if final == nil {
			s.fail(ev, errors.New("provider stream ended without a final response"))
			return nil
		}
		if final.Role == models.RoleEntryErr {
			// The adapter only forwarded chunks; deliver the failure text
			// directly.
			ev.SetResult(&models.EventResult{Chain: final.Chain, Kind: models.ResultGeneral})
			return ev.Send(ctx, final.Chain)
		}
		s.persist(ctx, req, state.trips, final)
		ev.SetResult(&models.EventResult{Chain: finalChain(final), Kind: models.ResultStreamingFinal})
		return nil
	}
}

// deriveRequest builds a fresh request from the message text and images.
// Returns nil when the event should not reach the provider.
func (s *LLMStage) deriveRequest(ev *models.Event) *models.ProviderRequest {
	prompt := ev.MessageStr

	prefix := s.cfg.Provider.WakePrefix
	if prefix != "" {
		// The wake stage already removed the bot prefix from the text, so
		// remove it from the configured LLM prefix too before matching.
		for _, wp := range s.cfg.Wake.Prefixes {
			if wp != "" && strings.HasPrefix(prefix, wp) {
				prefix = strings.TrimPrefix(prefix, wp)
				break
			}
		}
		if prefix != "" {
			if !strings.HasPrefix(prompt, prefix) {
				return nil
			}
			prompt = strings.TrimSpace(strings.TrimPrefix(prompt, prefix))
		}
	}

	images := imageRefs(ev.Message)
	if prompt == "" && len(images) == 0 {
		return nil
	}
	return &models.ProviderRequest{Prompt: prompt, ImageURLs: images}
}

// prepareRequest fills in the parts a pre-seeded request may lack: the
// session id, the current conversation with sanitized history, the active
// tool catalog, and the persona system prompt.
func (s *LLMStage) prepareRequest(ctx context.Context, ev *models.Event, req *models.ProviderRequest) error {
	origin := ev.UnifiedOrigin()
	if req.SessionID == "" {
		req.SessionID = origin
	}
	if req.Conversation == nil {
		conv, err := s.conversations.EnsureCurrent(ctx, origin)
		if err != nil {
			return fmt.Errorf("failed to load conversation: %w", err)
		}
		req.Conversation = conv
		req.Contexts = sanitizeHistory(conv.History)
	}
	if req.Tools == nil {
		req.Tools = s.tools.Specs()
	}
	if req.SystemPrompt == "" {
		name := ""
		if req.Conversation != nil {
			name = req.Conversation.PersonaID
		}
		if name == "" {
			name = s.cfg.Persona.Default
		}
		if persona, ok := s.cfg.Persona.Lookup(name); ok {
			req.SystemPrompt = persona.SystemPrompt
		}
	}
	return nil
}

// llmOutcome is what one full call loop produced.
type llmOutcome struct {
	final   *models.LLMResponse
	trips   []*models.ToolCallsResult
	aborted bool
}

// runLoop drives the provider until it yields a non-tool response. A
// non-nil emit puts the loop in streaming mode: chunk responses are
// forwarded through it, across tool round-trips.
func (s *LLMStage) runLoop(ctx context.Context, ev *models.Event, provider providers.Provider, req *models.ProviderRequest, emit func(*models.LLMResponse) bool) llmOutcome {
	var trips []*models.ToolCallsResult

	for i := 0; i < maxToolLoops; i++ {
		start := time.Now()
		var final *models.LLMResponse

		if emit != nil {
			ch, err := provider.TextChatStream(ctx, req)
			if err != nil {
				s.metrics.recordLLM(provider.Name(), "error", time.Since(start).Seconds())
				return llmOutcome{final: requestFailed(err), trips: trips}
			}
			for resp := range ch {
				if resp.IsChunk {
					if !emit(resp) {
						return llmOutcome{trips: trips, aborted: true}
					}
					continue
				}
				final = resp
			}
		} else {
			resp, err := provider.TextChat(ctx, req)
			if err != nil {
				s.metrics.recordLLM(provider.Name(), "error", time.Since(start).Seconds())
				return llmOutcome{final: requestFailed(err), trips: trips}
			}
			final = resp
		}

		if final == nil {
			s.metrics.recordLLM(provider.Name(), "error", time.Since(start).Seconds())
			return llmOutcome{final: models.NewErrResponse("Request failed. type=fatal msg=provider returned no final response"), trips: trips}
		}
		status := "ok"
		if final.Role == models.RoleEntryErr {
			status = "error"
		}
		s.metrics.recordLLM(provider.Name(), status, time.Since(start).Seconds())

		// on_llm_response hooks see every provider reply.
		for _, h := range s.registry.ByKind(plugins.KindLLMResponse, true, ev.Platform) {
			if err := h.Fn(ctx, ev, nil); err != nil {
				s.logger.Error("on_llm_response hook failed", "handler", h.FullName, "error", err)
				continue
			}
			if ev.IsStopped() {
				return llmOutcome{trips: trips, aborted: true}
			}
		}

		if final.Role != models.RoleEntryTool {
			return llmOutcome{final: final, trips: trips}
		}

		trip := s.toolRoundTrip(ctx, ev, final)
		if trip == nil {
			// Every call was skipped; fall back to whatever text came along.
			return llmOutcome{final: models.NewAssistantResponse(final.CompletionText()), trips: trips}
		}
		trips = append(trips, trip)
		req.ToolCallsResult = append(req.ToolCallsResult, trip)
		// No recursive tool calls.
		req.Tools = nil
	}

	return llmOutcome{final: models.NewErrResponse("Request failed. type=fatal msg=tool call loop limit reached"), trips: trips}
}

// toolRoundTrip executes the calls of one tool response. Tools of plugins
// disabled on this platform are skipped without a tool entry; execution
// errors become "error: <msg>" entries. Returns nil when no entry was
// produced.
func (s *LLMStage) toolRoundTrip(ctx context.Context, ev *models.Event, resp *models.LLMResponse) *models.ToolCallsResult {
	var kept []models.ToolCall
	var results []models.ToolResult

	for _, call := range resp.ToolCalls {
		tool, ok := s.tools.Get(call.Name)
		if !ok {
			s.metrics.recordToolCall(call.Name, "error")
			kept = append(kept, call)
			results = append(results, models.ToolResult{ToolCallID: call.ID, Content: "error: unknown tool " + call.Name})
			continue
		}
		if tool.Origin == tools.OriginLocal && tool.PluginName != "" {
			if p, ok := s.registry.Plugin(tool.PluginName); ok && !p.EnabledOn(ev.Platform) {
				continue
			}
		}

		prev := ev.Result()
		content, err := tool.Execute(ctx, ev, call.Args)
		// A local handler may have surfaced a rich chain as the event
		// result; collect it for the respond stage and restore the result.
		if res := ev.Result(); res != prev && res != nil && res.Chain != nil {
			ev.Extras.ToolCallResults = append(ev.Extras.ToolCallResults, res.Chain)
			ev.SetResult(prev)
		}
		if err != nil {
			s.metrics.recordToolCall(call.Name, "error")
			s.logger.Warn("tool call failed", "tool", call.Name, "error", err)
			content = "error: " + err.Error()
		} else {
			s.metrics.recordToolCall(call.Name, "ok")
		}
		kept = append(kept, call)
		results = append(results, models.ToolResult{ToolCallID: call.ID, Content: content})
	}

	if len(results) == 0 {
		return nil
	}
	return &models.ToolCallsResult{AssistantText: resp.CompletionText(), Calls: kept, Results: results}
}

// persist writes the turn back: prior contexts, the user entry, every tool
// round-trip (marked for the pairing rule), then the assistant reply.
func (s *LLMStage) persist(ctx context.Context, req *models.ProviderRequest, trips []*models.ToolCallsResult, final *models.LLMResponse) {
	if req.Conversation == nil {
		return
	}
	entries := make([]models.ContextEntry, 0, len(req.Contexts)+len(trips)*2+2)
	entries = append(entries, req.Contexts...)
	entries = append(entries, req.UserEntry())
	for _, trip := range trips {
		entries = append(entries, trip.Entries(true)...)
	}
	entries = append(entries, models.ContextEntry{
		Role:    models.RoleEntryAssistant,
		Content: final.CompletionText(),
	})
	entries = stripNoSave(entries)

	if err := s.conversations.UpdateHistory(ctx, req.Conversation.ID, entries); err != nil {
		s.logger.Error("failed to persist history", "conversation", req.Conversation.ID, "error", err)
	}
}

func (s *LLMStage) fail(ev *models.Event, err error) {
	s.logger.Error("llm stage failed", "origin", ev.UnifiedOrigin(), "error", err)
	ev.SetResult(&models.EventResult{Chain: requestFailed(err).Chain, Kind: models.ResultGeneral})
}

// requestFailed renders an error as the user-surfacable failure response.
func requestFailed(err error) *models.LLMResponse {
	return models.NewErrResponse(fmt.Sprintf("Request failed. type=%s msg=%v", providers.ReasonOf(err), err))
}

// finalChain prefers the provider's rich chain, falling back to the plain
// completion text.
func finalChain(final *models.LLMResponse) *models.MessageChain {
	if final.Chain != nil && len(final.Chain.Components) > 0 {
		return final.Chain
	}
	return models.TextChain(final.CompletionText())
}

// imageRefs collects the source refs of every image component.
func imageRefs(chain *models.MessageChain) []string {
	if chain == nil {
		return nil
	}
	var refs []string
	for _, comp := range chain.Components {
		img, ok := comp.(models.Image)
		if !ok {
			continue
		}
		switch {
		case img.URL != "":
			refs = append(refs, img.URL)
		case img.Path != "":
			refs = append(refs, img.Path)
		case img.Base64 != "":
			refs = append(refs, img.Base64)
		}
	}
	return refs
}
