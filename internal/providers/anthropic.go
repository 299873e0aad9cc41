package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/kestrelbot/kestrel/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// Anthropic talks to the Anthropic Messages API.
type Anthropic struct {
	name      string
	model     string
	baseURL   string
	maxTokens int
	timeout   time.Duration
	pool      *KeyPool
	logger    *slog.Logger
}

// NewAnthropic builds an Anthropic provider.
func NewAnthropic(opts Options) *Anthropic {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	return &Anthropic{
		name:      opts.Name,
		model:     opts.Model,
		baseURL:   opts.BaseURL,
		maxTokens: maxTokens,
		timeout:   opts.timeout(),
		pool:      NewKeyPool(opts.Keys),
		logger:    opts.logger().With("provider", opts.Name),
	}
}

func (p *Anthropic) Name() string       { return p.name }
func (p *Anthropic) Model() string      { return p.model }
func (p *Anthropic) CurrentKey() string { return p.pool.Current() }
func (p *Anthropic) SetKey(key string)  { p.pool.Replace(key) }

func (p *Anthropic) client() anthropic.Client {
	options := []option.RequestOption{option.WithAPIKey(p.pool.Current())}
	if strings.TrimSpace(p.baseURL) != "" {
		options = append(options, option.WithBaseURL(p.baseURL))
	}
	return anthropic.NewClient(options...)
}

// Models lists the model ids the API offers.
func (p *Anthropic) Models(ctx context.Context) ([]string, error) {
	client := p.client()
	page, err := client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, WrapError(p.name, p.model, err)
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, string(m.ID))
	}
	return ids, nil
}

// TextChat performs one completion under the recovery policy.
func (p *Anthropic) TextChat(ctx context.Context, req *models.ProviderRequest) (*models.LLMResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return execute(ctx, p.logger, p.pool, req, func(ctx context.Context) (*models.LLMResponse, error) {
		client := p.client()
		msg, err := client.Messages.New(ctx, p.buildParams(req))
		if err != nil {
			return nil, WrapError(p.name, p.model, err)
		}
		return p.convertMessage(msg), nil
	})
}

// TextChatStream performs one streaming completion. Stream establishment
// runs under the recovery policy, so a quota or auth failure at open rotates
// keys the same way TextChat does.
func (p *Anthropic) TextChatStream(ctx context.Context, req *models.ProviderRequest) (<-chan *models.LLMResponse, error) {
	out := make(chan *models.LLMResponse)
	go func() {
		defer close(out)
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		// The SDK surfaces open failures through Err() after the first Next,
		// so establishment means pulling the first event inside the retry
		// closure.
		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var hasEvent bool
		errResp, err := execute(ctx, p.logger, p.pool, req, func(ctx context.Context) (*models.LLMResponse, error) {
			client := p.client()
			s := client.Messages.NewStreaming(ctx, p.buildParams(req))
			first := s.Next()
			if !first {
				if err := s.Err(); err != nil {
					s.Close()
					return nil, WrapError(p.name, p.model, err)
				}
			}
			stream, hasEvent = s, first
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
		var toolCalls []models.ToolCall
		var currentTool *models.ToolCall
		var currentInput strings.Builder

		for ; hasEvent; hasEvent = stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					toolUse := block.AsToolUse()
					currentTool = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
					currentInput.Reset()
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" {
						text.WriteString(delta.Text)
						if !relay(ctx, out, &models.LLMResponse{
							Role:    models.RoleEntryAssistant,
							IsChunk: true,
							Chain:   models.TextChain(delta.Text),
						}) {
							return
						}
					}
				case "input_json_delta":
					currentInput.WriteString(delta.PartialJSON)
				}

			case "content_block_stop":
				if currentTool != nil {
					currentTool.Args = parseToolArgs(currentInput.String())
					toolCalls = append(toolCalls, *currentTool)
					currentTool = nil
				}
			}
		}
		if err := stream.Err(); err != nil {
			relay(ctx, out, errResponse(WrapError(p.name, p.model, err)))
			return
		}

		final := &models.LLMResponse{
			Role:      models.RoleEntryAssistant,
			Chain:     models.TextChain(text.String()),
			ToolCalls: toolCalls,
		}
		if len(toolCalls) > 0 {
			final.Role = models.RoleEntryTool
		}
		relay(ctx, out, final)
	}()
	return out, nil
}

func (p *Anthropic) buildParams(req *models.ProviderRequest) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  convertAnthropicEntries(req.AssembleEntries()),
		MaxTokens: int64(p.maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		params.Tools = AnthropicTools(req.Tools)
	}
	return params
}

func (p *Anthropic) convertMessage(msg *anthropic.Message) *models.LLMResponse {
	var text strings.Builder
	var toolCalls []models.ToolCall
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			toolUse := block.AsToolUse()
			toolCalls = append(toolCalls, models.ToolCall{
				ID:   toolUse.ID,
				Name: toolUse.Name,
				Args: parseToolArgs(string(toolUse.Input)),
			})
		}
	}
	resp := &models.LLMResponse{
		Role:      models.RoleEntryAssistant,
		Chain:     models.TextChain(text.String()),
		ToolCalls: toolCalls,
		Raw:       msg,
	}
	if len(toolCalls) > 0 {
		resp.Role = models.RoleEntryTool
	}
	return resp
}

// convertAnthropicEntries renders history entries as Anthropic messages.
// System entries are dropped (the system prompt travels separately); tool
// entries become user messages carrying tool_result blocks.
func convertAnthropicEntries(entries []models.ContextEntry) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, e := range entries {
		if e.Role == models.RoleEntrySystem {
			continue
		}
		var content []anthropic.ContentBlockParamUnion
		if e.Role == models.RoleEntryTool {
			content = append(content, anthropic.NewToolResultBlock(e.ToolCallID, e.Content, false))
			out = append(out, anthropic.NewUserMessage(content...))
			continue
		}

		if e.Content != "" {
			content = append(content, anthropic.NewTextBlock(e.Content))
		}
		for _, ref := range e.Images {
			if block, ok := anthropicImageBlock(ref); ok {
				content = append(content, block)
			}
		}
		for _, tc := range e.ToolCalls {
			content = append(content, anthropic.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if e.Role == models.RoleEntryAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out
}

func anthropicImageBlock(ref string) (anthropic.ContentBlockParamUnion, bool) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return anthropic.ContentBlockParamUnion{
			OfImage: &anthropic.ImageBlockParam{
				Source: anthropic.ImageBlockParamSourceUnion{
					OfURL: &anthropic.URLImageSourceParam{URL: ref},
				},
			},
		}, true
	}
	if data, err := os.ReadFile(ref); err == nil {
		return anthropic.NewImageBlockBase64("image/jpeg", base64.StdEncoding.EncodeToString(data)), true
	}
	if ref != "" {
		return anthropic.NewImageBlockBase64("image/jpeg", ref), true
	}
	return anthropic.ContentBlockParamUnion{}, false
}

// AnthropicTools renders the tool catalog in the Anthropic tool shape.
func AnthropicTools(specs []models.FuncToolSpec) []anthropic.ToolUnionParam {
	var out []anthropic.ToolUnionParam
	for _, spec := range specs {
		var schema anthropic.ToolInputSchemaParam
		raw, err := json.Marshal(spec.Parameters)
		if err == nil {
			err = json.Unmarshal(raw, &schema)
		}
		if err != nil {
			continue
		}
		param := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if param.OfTool == nil {
			continue
		}
		param.OfTool.Description = anthropic.String(spec.Description)
		out = append(out, param)
	}
	return out
}
