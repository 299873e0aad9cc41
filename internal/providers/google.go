package providers

import (
	"context"
	"encoding/base64"
	"iter"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/kestrelbot/kestrel/pkg/models"
)

// Google talks to the Gemini API.
type Google struct {
	name      string
	model     string
	baseURL   string
	maxTokens int
	timeout   time.Duration
	pool      *KeyPool
	logger    *slog.Logger
}

// NewGoogle builds a Gemini provider.
func NewGoogle(opts Options) *Google {
	return &Google{
		name:      opts.Name,
		model:     opts.Model,
		baseURL:   opts.BaseURL,
		maxTokens: opts.MaxTokens,
		timeout:   opts.timeout(),
		pool:      NewKeyPool(opts.Keys),
		logger:    opts.logger().With("provider", opts.Name),
	}
}

func (p *Google) Name() string       { return p.name }
func (p *Google) Model() string      { return p.model }
func (p *Google) CurrentKey() string { return p.pool.Current() }
func (p *Google) SetKey(key string)  { p.pool.Replace(key) }

func (p *Google) client(ctx context.Context) (*genai.Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:  p.pool.Current(),
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cfg.HTTPOptions.BaseURL = p.baseURL
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, WrapError(p.name, p.model, err)
	}
	return client, nil
}

// Models lists the model ids the API offers.
func (p *Google) Models(ctx context.Context) ([]string, error) {
	client, err := p.client(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for m, err := range client.Models.All(ctx) {
		if err != nil {
			return nil, WrapError(p.name, p.model, err)
		}
		ids = append(ids, m.Name)
	}
	return ids, nil
}

// TextChat performs one completion under the recovery policy.
func (p *Google) TextChat(ctx context.Context, req *models.ProviderRequest) (*models.LLMResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return execute(ctx, p.logger, p.pool, req, func(ctx context.Context) (*models.LLMResponse, error) {
		client, err := p.client(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := client.Models.GenerateContent(ctx, p.model, convertGoogleEntries(req.AssembleEntries()), p.buildConfig(req))
		if err != nil {
			return nil, WrapError(p.name, p.model, err)
		}
		return p.convertResponse(resp), nil
	})
}

// TextChatStream performs one streaming completion. Stream establishment
// runs under the recovery policy, so a quota or auth failure on the first
// yield rotates keys the same way TextChat does.
func (p *Google) TextChatStream(ctx context.Context, req *models.ProviderRequest) (<-chan *models.LLMResponse, error) {
	out := make(chan *models.LLMResponse)
	go func() {
		defer close(out)
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		// The SDK reports open failures as the first yielded error, so
		// establishment means pulling the first item inside the retry closure.
		var next func() (*genai.GenerateContentResponse, error, bool)
		var stop func()
		var first *genai.GenerateContentResponse
		var hasFirst bool
		errResp, err := execute(ctx, p.logger, p.pool, req, func(ctx context.Context) (*models.LLMResponse, error) {
			client, err := p.client(ctx)
			if err != nil {
				return nil, err
			}
			n, s := iter.Pull2(client.Models.GenerateContentStream(ctx, p.model, convertGoogleEntries(req.AssembleEntries()), p.buildConfig(req)))
			resp, yieldErr, ok := n()
			if ok && yieldErr != nil {
				s()
				return nil, WrapError(p.name, p.model, yieldErr)
			}
			next, stop = n, s
			first, hasFirst = resp, ok
			return nil, nil
		})
		if err != nil || errResp != nil {
			if errResp != nil {
				relay(ctx, out, errResp)
			}
			return
		}
		defer stop()

		var text strings.Builder
		var toolCalls []models.ToolCall
		for resp, yieldErr, ok := first, error(nil), hasFirst; ok; resp, yieldErr, ok = next() {
			if yieldErr != nil {
				relay(ctx, out, errResponse(WrapError(p.name, p.model, yieldErr)))
				return
			}
			if resp == nil {
				continue
			}
			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						text.WriteString(part.Text)
						if !relay(ctx, out, &models.LLMResponse{
							Role:    models.RoleEntryAssistant,
							IsChunk: true,
							Chain:   models.TextChain(part.Text),
						}) {
							return
						}
					}
					if part.FunctionCall != nil {
						toolCalls = append(toolCalls, models.ToolCall{
							ID:   googleToolCallID(part.FunctionCall.Name),
							Name: part.FunctionCall.Name,
							Args: part.FunctionCall.Args,
						})
					}
				}
			}
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

func (p *Google) buildConfig(req *models.ProviderRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if p.maxTokens > 0 {
		config.MaxOutputTokens = int32(p.maxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = GoogleTools(req.Tools)
	}
	return config
}

func (p *Google) convertResponse(resp *genai.GenerateContentResponse) *models.LLMResponse {
	var text strings.Builder
	var toolCalls []models.ToolCall
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				toolCalls = append(toolCalls, models.ToolCall{
					ID:   googleToolCallID(part.FunctionCall.Name),
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				})
			}
		}
	}
	out := &models.LLMResponse{
		Role:      models.RoleEntryAssistant,
		Chain:     models.TextChain(text.String()),
		ToolCalls: toolCalls,
		Raw:       resp,
	}
	if len(toolCalls) > 0 {
		out.Role = models.RoleEntryTool
	}
	return out
}

// googleToolCallID synthesizes a call id; Gemini does not issue one.
func googleToolCallID(name string) string {
	return name + "::" + uuid.NewString()
}

// googleToolName recovers the function name from a synthesized call id.
func googleToolName(id string) string {
	if i := strings.Index(id, "::"); i >= 0 {
		return id[:i]
	}
	return id
}

// convertGoogleEntries renders history entries as Gemini contents. Tool
// entries become function responses on the user side.
func convertGoogleEntries(entries []models.ContextEntry) []*genai.Content {
	var out []*genai.Content
	for _, e := range entries {
		content := &genai.Content{}
		switch e.Role {
		case models.RoleEntryAssistant:
			content.Role = genai.RoleModel
		case models.RoleEntrySystem:
			continue
		default:
			content.Role = genai.RoleUser
		}

		if e.Role == models.RoleEntryTool {
			name := googleToolName(e.ToolCallID)
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     name,
					Response: map[string]any{"result": e.Content},
				},
			})
			out = append(out, content)
			continue
		}

		if e.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: e.Content})
		}
		for _, ref := range e.Images {
			if part := googleImagePart(ref); part != nil {
				content.Parts = append(content.Parts, part)
			}
		}
		for _, tc := range e.ToolCalls {
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: tc.Args},
			})
		}
		if len(content.Parts) == 0 {
			continue
		}
		out = append(out, content)
	}
	return out
}

func googleImagePart(ref string) *genai.Part {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return &genai.Part{FileData: &genai.FileData{FileURI: ref, MIMEType: "image/jpeg"}}
	}
	if data, err := os.ReadFile(ref); err == nil {
		return &genai.Part{InlineData: &genai.Blob{MIMEType: "image/jpeg", Data: data}}
	}
	if data, err := base64.StdEncoding.DecodeString(ref); err == nil && len(data) > 0 {
		return &genai.Part{InlineData: &genai.Blob{MIMEType: "image/jpeg", Data: data}}
	}
	return nil
}

// GoogleTools renders the tool catalog as Gemini function declarations.
// Gemini accepts a restricted JSON-schema subset, so each parameter schema
// is filtered down to the fields it understands.
func GoogleTools(specs []models.FuncToolSpec) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  googleSchema(spec.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// googleFormats lists the format values Gemini accepts per schema type.
var googleFormats = map[genai.Type]map[string]bool{
	genai.TypeString:  {"enum": true, "date-time": true},
	genai.TypeInteger: {"int32": true, "int64": true},
	genai.TypeNumber:  {"float": true, "double": true},
}

// googleSchema converts a JSON-schema object into Gemini's restricted
// schema. Unsupported fields (default, additionalProperties, pattern, …)
// are dropped; format survives only where Gemini allows it.
func googleSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return &genai.Schema{Type: genai.TypeObject}
	}
	out := &genai.Schema{}

	switch t, _ := schema["type"].(string); t {
	case "string":
		out.Type = genai.TypeString
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	case "boolean":
		out.Type = genai.TypeBoolean
	case "array":
		out.Type = genai.TypeArray
	default:
		out.Type = genai.TypeObject
	}

	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if format, ok := schema["format"].(string); ok {
		if allowed := googleFormats[out.Type]; allowed[format] {
			out.Format = format
		}
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, v := range enum {
			if s, ok := v.(string); ok {
				out.Enum = append(out.Enum, s)
			}
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, sub := range props {
			if subMap, ok := sub.(map[string]any); ok {
				out.Properties[name] = googleSchema(subMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, v := range required {
			if s, ok := v.(string); ok {
				out.Required = append(out.Required, s)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = googleSchema(items)
	}
	return out
}
