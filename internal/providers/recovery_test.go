package providers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/kestrelbot/kestrel/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExecuteRotatesKeysUntilExhausted(t *testing.T) {
	pool := NewKeyPool([]string{"k1", "k2", "k3"})
	req := &models.ProviderRequest{Prompt: "hi"}

	var keysSeen []string
	resp, err := execute(context.Background(), discardLogger(), pool, req, func(context.Context) (*models.LLMResponse, error) {
		keysSeen = append(keysSeen, pool.Current())
		return nil, errors.New("429 rate limit")
	})
	if err != nil {
		t.Fatalf("execute returned error: %v", err)
	}
	if resp.Role != models.RoleEntryErr {
		t.Errorf("Role = %q, want err", resp.Role)
	}
	want := []string{"k1", "k2", "k3"}
	if len(keysSeen) != len(want) {
		t.Fatalf("attempts = %v, want %v", keysSeen, want)
	}
	for i, k := range want {
		if keysSeen[i] != k {
			t.Errorf("attempt %d used key %q, want %q", i, keysSeen[i], k)
		}
	}
}

func TestExecuteRecoversAfterRotation(t *testing.T) {
	pool := NewKeyPool([]string{"dead", "live"})
	req := &models.ProviderRequest{Prompt: "hi"}

	resp, err := execute(context.Background(), discardLogger(), pool, req, func(context.Context) (*models.LLMResponse, error) {
		if pool.Current() == "dead" {
			return nil, errors.New("invalid api key")
		}
		return models.NewAssistantResponse("ok"), nil
	})
	if err != nil {
		t.Fatalf("execute returned error: %v", err)
	}
	if resp.CompletionText() != "ok" {
		t.Errorf("CompletionText = %q, want ok", resp.CompletionText())
	}
}

func TestExecuteTrimsHistoryOnOverflow(t *testing.T) {
	pool := NewKeyPool([]string{"k"})
	req := &models.ProviderRequest{
		Prompt: "hi",
		Contexts: []models.ContextEntry{
			{Role: models.RoleEntryUser, Content: "oldest"},
			{Role: models.RoleEntryAssistant, Content: "old"},
			{Role: models.RoleEntryUser, Content: "recent"},
		},
	}

	resp, err := execute(context.Background(), discardLogger(), pool, req, func(context.Context) (*models.LLMResponse, error) {
		if len(req.Contexts) > 1 {
			return nil, errors.New("maximum context length exceeded")
		}
		return models.NewAssistantResponse("fits"), nil
	})
	if err != nil {
		t.Fatalf("execute returned error: %v", err)
	}
	if resp.CompletionText() != "fits" {
		t.Errorf("CompletionText = %q, want fits", resp.CompletionText())
	}
	if len(req.Contexts) != 1 || req.Contexts[0].Content != "recent" {
		t.Errorf("Contexts after trim = %+v, want only the recent entry", req.Contexts)
	}
}

func TestExecuteTrimGivesUpOnEmptyHistory(t *testing.T) {
	pool := NewKeyPool([]string{"k"})
	req := &models.ProviderRequest{Prompt: "hi"}

	resp, err := execute(context.Background(), discardLogger(), pool, req, func(context.Context) (*models.LLMResponse, error) {
		return nil, errors.New("context window exceeded")
	})
	if err != nil {
		t.Fatalf("execute returned error: %v", err)
	}
	if resp.Role != models.RoleEntryErr {
		t.Errorf("Role = %q, want err", resp.Role)
	}
	if !strings.Contains(resp.CompletionText(), "trim_history") {
		t.Errorf("err text %q does not name the failure type", resp.CompletionText())
	}
}

func TestExecuteDegradesModalities(t *testing.T) {
	pool := NewKeyPool([]string{"k"})
	req := &models.ProviderRequest{
		Prompt:       "hi",
		ImageURLs:    []string{"https://example.com/a.jpg"},
		SystemPrompt: "be brief",
		Tools:        []models.FuncToolSpec{{Name: "t"}},
		Contexts: []models.ContextEntry{
			{Role: models.RoleEntryUser, Content: "x", Images: []string{"b.jpg"}},
		},
	}

	step := 0
	resp, err := execute(context.Background(), discardLogger(), pool, req, func(context.Context) (*models.LLMResponse, error) {
		step++
		switch step {
		case 1:
			return nil, errors.New("model does not support image input")
		case 2:
			return nil, errors.New("tool calling is not supported")
		case 3:
			return nil, errors.New("system prompt is not supported")
		default:
			return models.NewAssistantResponse("degraded"), nil
		}
	})
	if err != nil {
		t.Fatalf("execute returned error: %v", err)
	}
	if resp.CompletionText() != "degraded" {
		t.Errorf("CompletionText = %q, want degraded", resp.CompletionText())
	}
	if len(req.ImageURLs) != 0 || len(req.Contexts[0].Images) != 0 {
		t.Error("images were not stripped")
	}
	if req.Tools != nil {
		t.Error("tools were not dropped")
	}
	if req.SystemPrompt != "" {
		t.Error("system prompt was not cleared")
	}
}

func TestExecuteFatalBecomesErrResponse(t *testing.T) {
	pool := NewKeyPool([]string{"k"})
	resp, err := execute(context.Background(), discardLogger(), pool, &models.ProviderRequest{}, func(context.Context) (*models.LLMResponse, error) {
		return nil, errors.New("connection reset by peer")
	})
	if err != nil {
		t.Fatalf("execute returned error: %v", err)
	}
	if resp.Role != models.RoleEntryErr {
		t.Errorf("Role = %q, want err", resp.Role)
	}
	if !strings.HasPrefix(resp.CompletionText(), "Request failed. type=fatal msg=") {
		t.Errorf("err text = %q", resp.CompletionText())
	}
}

func TestExecuteStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewKeyPool([]string{"k1", "k2"})

	calls := 0
	_, err := execute(ctx, discardLogger(), pool, &models.ProviderRequest{}, func(context.Context) (*models.LLMResponse, error) {
		calls++
		cancel()
		return nil, errors.New("429")
	})
	if err == nil {
		t.Fatal("execute should surface the error once the context ends")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestKeyPool(t *testing.T) {
	pool := NewKeyPool([]string{"a", "b"})
	if pool.Current() != "a" {
		t.Errorf("Current = %q, want a", pool.Current())
	}
	pool.Rotate()
	if pool.Current() != "b" {
		t.Errorf("Current after rotate = %q, want b", pool.Current())
	}
	pool.Rotate()
	if pool.Current() != "a" {
		t.Errorf("Current after wrap = %q, want a", pool.Current())
	}
	pool.Replace("only")
	if pool.Current() != "only" || pool.Len() != 1 {
		t.Errorf("Replace left pool %q len %d", pool.Current(), pool.Len())
	}
}
