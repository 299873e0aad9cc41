package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kestrelbot/kestrel/internal/plugins"
	"github.com/kestrelbot/kestrel/internal/tools"
	"github.com/kestrelbot/kestrel/pkg/models"
)

func newLLMStage(t *testing.T, deps *Deps) *LLMStage {
	t.Helper()
	st := &LLMStage{}
	initStage(t, st, deps)
	return st
}

func flakyTool() *tools.FuncTool {
	return &tools.FuncTool{
		Name:   "flaky",
		Active: true,
		Origin: tools.OriginLocal,
		Handler: func(context.Context, *models.Event, map[string]any) (string, error) {
			return "", errors.New("it broke")
		},
	}
}

func registerHookPlugin(t *testing.T, deps *Deps, fn plugins.HandlerFunc) {
	t.Helper()
	registerPlugin(t, deps, &plugins.Plugin{
		Name:      "hook",
		Activated: true,
		Handlers: []*plugins.Handler{{
			FullName: "hook.request",
			Kind:     plugins.KindLLMRequest,
			Fn:       fn,
		}},
	})
}

func TestLLMDeriveRequestWakePrefix(t *testing.T) {
	deps := testDeps(t, nil)
	deps.Config.Provider.WakePrefix = "/chat"
	st := newLLMStage(t, deps)

	// The wake stage already stripped the "/" bot prefix from the text.
	ev, _ := friendEvent("chat what is up")
	if req := st.deriveRequest(ev); req == nil || req.Prompt != "what is up" {
		t.Fatalf("deriveRequest() = %+v, want prompt without the llm prefix", req)
	}

	ev2, _ := friendEvent("weather tokyo")
	if req := st.deriveRequest(ev2); req != nil {
		t.Fatalf("deriveRequest() = %+v, want nil for unprefixed text", req)
	}
}

func TestLLMDeriveRequestSkipsEmpty(t *testing.T) {
	deps := testDeps(t, nil)
	st := newLLMStage(t, deps)

	ev, _ := friendEvent("")
	if req := st.deriveRequest(ev); req != nil {
		t.Fatalf("deriveRequest() = %+v, want nil for empty message", req)
	}

	// An image alone still reaches the provider.
	ev2, _ := friendEvent("")
	ev2.Message = models.NewChain(models.ImageFromURL("https://example.com/a.png"))
	req := st.deriveRequest(ev2)
	if req == nil || len(req.ImageURLs) != 1 {
		t.Fatalf("deriveRequest() = %+v, want an image-only request", req)
	}
}

func TestLLMNoProviderIsNoop(t *testing.T) {
	deps := testDeps(t, nil)
	st := newLLMStage(t, deps)

	ev, r := friendEvent("hello")
	post, err := st.Process(context.Background(), ev)
	if err != nil || post != nil {
		t.Fatalf("Process() = %v, %v, want nil, nil", post, err)
	}
	if ev.Result() != nil || len(r.sent) != 0 {
		t.Fatal("event mutated without a configured provider")
	}
}

func TestLLMUnknownToolProducesErrorEntry(t *testing.T) {
	deps := testDeps(t, nil)
	fp := &fakeProvider{responses: []*models.LLMResponse{
		{Role: models.RoleEntryTool, Chain: models.TextChain(""), ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "no_such_tool"},
		}},
		models.NewAssistantResponse("recovered"),
	}}
	deps.Providers.Register(fp)
	st := newLLMStage(t, deps)

	ev, _ := friendEvent("try it")
	if _, err := st.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	second := fp.entries[1]
	var toolEntry *models.ContextEntry
	for i := range second {
		if second[i].Role == models.RoleEntryTool {
			toolEntry = &second[i]
		}
	}
	if toolEntry == nil {
		t.Fatal("no tool entry submitted on the follow-up call")
	}
	if !strings.HasPrefix(toolEntry.Content, "error: unknown tool") {
		t.Errorf("tool entry = %q, want an error entry", toolEntry.Content)
	}
	if res := ev.Result(); res == nil || res.Chain.PlainText() != "recovered" {
		t.Fatalf("result = %+v, want the recovered reply", ev.Result())
	}
}

func TestLLMToolExecutionErrorBecomesEntry(t *testing.T) {
	deps := testDeps(t, nil)
	fp := &fakeProvider{responses: []*models.LLMResponse{
		{Role: models.RoleEntryTool, Chain: models.TextChain(""), ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "flaky"},
		}},
		models.NewAssistantResponse("noted"),
	}}
	deps.Providers.Register(fp)
	if err := deps.Tools.Add(flakyTool()); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	st := newLLMStage(t, deps)

	ev, _ := friendEvent("go")
	if _, err := st.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	second := fp.entries[1]
	found := false
	for _, e := range second {
		if e.Role == models.RoleEntryTool && e.Content == "error: it broke" {
			found = true
		}
	}
	if !found {
		t.Fatalf("entries = %+v, want an error tool entry", second)
	}
}

func TestLLMToolLoopLimit(t *testing.T) {
	deps := testDeps(t, nil)
	// The provider never stops asking for tools.
	responses := make([]*models.LLMResponse, 0, maxToolLoops+1)
	for i := 0; i <= maxToolLoops; i++ {
		responses = append(responses, &models.LLMResponse{
			Role:      models.RoleEntryTool,
			Chain:     models.TextChain(""),
			ToolCalls: []models.ToolCall{{ID: "c", Name: "nope"}},
		})
	}
	fp := &fakeProvider{responses: responses}
	deps.Providers.Register(fp)
	st := newLLMStage(t, deps)

	ev, _ := friendEvent("loop")
	if _, err := st.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if fp.calls != maxToolLoops {
		t.Errorf("provider calls = %d, want %d", fp.calls, maxToolLoops)
	}
	res := ev.Result()
	if res == nil || !strings.HasPrefix(res.Chain.PlainText(), "Request failed.") {
		t.Fatalf("result = %+v, want the loop-limit failure", res)
	}
}

func TestLLMErrResponseSurfaces(t *testing.T) {
	deps := testDeps(t, nil)
	fp := &fakeProvider{responses: []*models.LLMResponse{
		models.NewErrResponse("Request failed. type=quota msg=out of credit"),
	}}
	deps.Providers.Register(fp)
	st := newLLMStage(t, deps)

	ev, _ := friendEvent("hello")
	if _, err := st.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	res := ev.Result()
	if res == nil || res.Kind != models.ResultGeneral {
		t.Fatalf("result = %+v, want a general result", res)
	}
	if !strings.Contains(res.Chain.PlainText(), "type=quota") {
		t.Errorf("chain = %q, want the provider failure text", res.Chain.PlainText())
	}
	// Failures never enter history.
	if got := historyOf(t, deps, ev.UnifiedOrigin()); len(got) != 0 {
		t.Fatalf("history = %+v, want empty", got)
	}
}

func TestLLMHookStopAborts(t *testing.T) {
	deps := testDeps(t, nil)
	fp := &fakeProvider{}
	deps.Providers.Register(fp)
	registerHookPlugin(t, deps, func(_ context.Context, ev *models.Event, _ map[string]any) error {
		ev.Stop()
		return nil
	})
	st := newLLMStage(t, deps)

	ev, _ := friendEvent("hello")
	if _, err := st.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if fp.calls != 0 {
		t.Fatalf("provider calls = %d, want 0 after the hook stopped the event", fp.calls)
	}
}

func TestLLMStreamingErrFinalSentDirectly(t *testing.T) {
	deps := testDeps(t, nil)
	deps.Config.Provider.Streaming = true
	fp := &fakeProvider{responses: []*models.LLMResponse{
		models.NewErrResponse("Request failed. type=timeout msg=deadline"),
	}}
	deps.Providers.Register(fp)
	st := newLLMStage(t, deps)

	ev, r := friendEvent("hello")
	post, err := st.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if post == nil {
		t.Fatal("streaming mode did not suspend")
	}
	// The respond stage would consume the relay; here nobody does, so the
	// post drains it and must deliver the failure itself.
	if err := post(context.Background(), ev); err != nil {
		t.Fatalf("post error = %v", err)
	}

	got := r.sentTexts()
	if len(got) != 1 || !strings.Contains(got[0], "type=timeout") {
		t.Fatalf("sent = %v, want the failure text delivered directly", got)
	}
}
