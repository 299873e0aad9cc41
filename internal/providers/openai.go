package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kestrelbot/kestrel/pkg/models"
)

// OpenAI talks to OpenAI-compatible chat completion endpoints.
type OpenAI struct {
	name      string
	model     string
	baseURL   string
	maxTokens int
	timeout   time.Duration
	pool      *KeyPool
	logger    *slog.Logger
}

// NewOpenAI builds an OpenAI-compatible provider.
func NewOpenAI(opts Options) *OpenAI {
	return &OpenAI{
		name:      opts.Name,
		model:     opts.Model,
		baseURL:   opts.BaseURL,
		maxTokens: opts.MaxTokens,
		timeout:   opts.timeout(),
		pool:      NewKeyPool(opts.Keys),
		logger:    opts.logger().With("provider", opts.Name),
	}
}

func (p *OpenAI) Name() string       { return p.name }
func (p *OpenAI) Model() string      { return p.model }
func (p *OpenAI) CurrentKey() string { return p.pool.Current() }
func (p *OpenAI) SetKey(key string)  { p.pool.Replace(key) }

// client builds a fresh SDK client for the current key, so key rotation
// takes effect between attempts.
func (p *OpenAI) client() *openai.Client {
	cfg := openai.DefaultConfig(p.pool.Current())
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// Models lists the model ids the endpoint offers.
func (p *OpenAI) Models(ctx context.Context) ([]string, error) {
	resp, err := p.client().ListModels(ctx)
	if err != nil {
		return nil, WrapError(p.name, p.model, err)
	}
	ids := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// TextChat performs one completion under the recovery policy.
func (p *OpenAI) TextChat(ctx context.Context, req *models.ProviderRequest) (*models.LLMResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return execute(ctx, p.logger, p.pool, req, func(ctx context.Context) (*models.LLMResponse, error) {
		resp, err := p.client().CreateChatCompletion(ctx, p.buildRequest(req, false))
		if err != nil {
			return nil, WrapError(p.name, p.model, err)
		}
		if len(resp.Choices) == 0 {
			return nil, WrapError(p.name, p.model, errors.New("empty choices in response"))
		}
		return p.convertMessage(resp.Choices[0].Message), nil
	})
}

// TextChatStream performs one streaming completion. Chunks carry text
// deltas; the terminating non-chunk response carries the aggregated text
// and any tool calls.
func (p *OpenAI) TextChatStream(ctx context.Context, req *models.ProviderRequest) (<-chan *models.LLMResponse, error) {
	out := make(chan *models.LLMResponse)
	go func() {
		defer close(out)
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		var stream *openai.ChatCompletionStream
		errResp, err := execute(ctx, p.logger, p.pool, req, func(ctx context.Context) (*models.LLMResponse, error) {
			s, err := p.client().CreateChatCompletionStream(ctx, p.buildRequest(req, true))
			if err != nil {
				return nil, WrapError(p.name, p.model, err)
			}
			stream = s
			return nil, nil
		})
		if err != nil || errResp != nil {
			if errResp != nil {
				relay(ctx, out, errResp)
			}
			return
		}
		defer stream.Close()

		var text strings.Builder
		toolCalls := make(map[int]*accumulatedCall)
		maxIndex := -1
		for {
			resp, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					relay(ctx, out, models.NewErrResponse(fmt.Sprintf("Request failed. type=%s msg=%v", ReasonOf(err), err)))
					return
				}
				break
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				text.WriteString(delta.Content)
				if !relay(ctx, out, &models.LLMResponse{
					Role:    models.RoleEntryAssistant,
					IsChunk: true,
					Chain:   models.TextChain(delta.Content),
				}) {
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				if index > maxIndex {
					maxIndex = index
				}
				acc := toolCalls[index]
				if acc == nil {
					acc = &accumulatedCall{}
					toolCalls[index] = acc
				}
				if tc.ID != "" {
					acc.id = tc.ID
				}
				if tc.Function.Name != "" {
					acc.name = tc.Function.Name
				}
				acc.args.WriteString(tc.Function.Arguments)
			}
		}

		final := &models.LLMResponse{
			Role:  models.RoleEntryAssistant,
			Chain: models.TextChain(text.String()),
		}
		for i := 0; i <= maxIndex; i++ {
			acc := toolCalls[i]
			if acc == nil || acc.id == "" || acc.name == "" {
				continue
			}
			final.ToolCalls = append(final.ToolCalls, models.ToolCall{
				ID:   acc.id,
				Name: acc.name,
				Args: parseToolArgs(acc.args.String()),
			})
		}
		if len(final.ToolCalls) > 0 {
			final.Role = models.RoleEntryTool
		}
		relay(ctx, out, final)
	}()
	return out, nil
}

type accumulatedCall struct {
	id   string
	name string
	args strings.Builder
}

// relay sends a response unless the context ends first.
func relay(ctx context.Context, out chan<- *models.LLMResponse, resp *models.LLMResponse) bool {
	select {
	case out <- resp:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *OpenAI) buildRequest(req *models.ProviderRequest, stream bool) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: convertOpenAIEntries(req.AssembleEntries(), req.SystemPrompt),
		Stream:   stream,
	}
	if p.maxTokens > 0 {
		chatReq.MaxTokens = p.maxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = OpenAITools(req.Tools)
	}
	return chatReq
}

func (p *OpenAI) convertMessage(msg openai.ChatCompletionMessage) *models.LLMResponse {
	resp := &models.LLMResponse{
		Role:  models.RoleEntryAssistant,
		Chain: models.TextChain(msg.Content),
		Raw:   msg,
	}
	for _, tc := range msg.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: parseToolArgs(tc.Function.Arguments),
		})
	}
	if len(resp.ToolCalls) > 0 {
		resp.Role = models.RoleEntryTool
	}
	return resp
}

// convertOpenAIEntries renders history entries in the OpenAI wire shape.
// The system prompt becomes the leading system message; tool results each
// get their own message.
func convertOpenAIEntries(entries []models.ContextEntry, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(entries)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, e := range entries {
		switch e.Role {
		case models.RoleEntryUser, models.RoleEntrySystem:
			msg := openai.ChatCompletionMessage{Role: e.Role}
			if len(e.Images) > 0 {
				parts := make([]openai.ChatMessagePart, 0, len(e.Images)+1)
				if e.Content != "" {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: e.Content,
					})
				}
				for _, ref := range e.Images {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    imageRefToURL(ref),
							Detail: openai.ImageURLDetailAuto,
						},
					})
				}
				msg.MultiContent = parts
			} else {
				msg.Content = e.Content
			}
			out = append(out, msg)

		case models.RoleEntryAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: e.Content,
			}
			for _, tc := range e.ToolCalls {
				args, err := json.Marshal(tc.Args)
				if err != nil {
					args = []byte("{}")
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, msg)

		case models.RoleEntryTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    e.Content,
				ToolCallID: e.ToolCallID,
			})
		}
	}
	return out
}

// OpenAITools renders the tool catalog in the OpenAI function shape.
func OpenAITools(specs []models.FuncToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(specs))
	for i, spec := range specs {
		params := spec.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

func parseToolArgs(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

// imageRefToURL renders an image source ref (URL, local path, or base64
// payload) as something the vendor accepts in an image_url slot.
func imageRefToURL(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "data:") {
		return ref
	}
	if data, err := os.ReadFile(ref); err == nil {
		return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)
	}
	// Assume an inline base64 payload.
	return "data:image/jpeg;base64," + ref
}
