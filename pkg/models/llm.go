package models

// Roles used in conversation history entries.
const (
	RoleEntrySystem    = "system"
	RoleEntryUser      = "user"
	RoleEntryAssistant = "assistant"
	RoleEntryTool      = "tool"
	// RoleEntryErr is returned by providers for user-surfacable failures;
	// it never reaches persisted history.
	RoleEntryErr = "err"
)

// ToolCall is one function invocation requested by the assistant.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult is the outcome of one tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
}

// ContextEntry is one role-tagged element of a dialogue history.
type ContextEntry struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	// Images holds source refs (URL, path, or base64) attached to a user
	// entry; providers translate them to vendor shapes.
	Images     []string   `json:"images,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`

	// NoSave marks an ephemeral entry stripped before persistence.
	NoSave bool `json:"_no_save,omitempty"`
	// ToolCallHistory marks the two sides of a persisted tool round-trip so
	// readers can re-apply the pairing rule.
	ToolCallHistory bool `json:"_tool_call_history,omitempty"`
}

// ToolCallsResult is one completed tool round-trip: the assistant segment
// that requested the calls and the tool entries answering them, in order.
type ToolCallsResult struct {
	AssistantText string       `json:"assistant_text,omitempty"`
	Calls         []ToolCall   `json:"calls"`
	Results       []ToolResult `json:"results"`
}

// Entries renders the round-trip as history entries: the assistant entry
// carrying the tool calls followed by one tool entry per result. When
// markHistory is set, every entry carries the tool-call-history marker.
func (r *ToolCallsResult) Entries(markHistory bool) []ContextEntry {
	entries := make([]ContextEntry, 0, len(r.Results)+1)
	entries = append(entries, ContextEntry{
		Role:            RoleEntryAssistant,
		Content:         r.AssistantText,
		ToolCalls:       r.Calls,
		ToolCallHistory: markHistory,
	})
	for _, res := range r.Results {
		entries = append(entries, ContextEntry{
			Role:            RoleEntryTool,
			ToolCallID:      res.ToolCallID,
			Content:         res.Content,
			ToolCallHistory: markHistory,
		})
	}
	return entries
}

// FuncToolSpec is the provider-neutral description of one callable tool.
type FuncToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object; providers translate it into their
	// vendor shape.
	Parameters map[string]any
}

// ProviderRequest carries everything one LLM call needs.
type ProviderRequest struct {
	Prompt    string
	SessionID string
	ImageURLs []string
	// SystemPrompt may be appended to by on_llm_request handlers.
	SystemPrompt string
	// Tools is the active tool catalog; nil advertises no tools.
	Tools []FuncToolSpec
	// Contexts is the sanitized prior history, oldest first.
	Contexts []ContextEntry
	// Conversation is the dialogue the LLM stage persists into, nil when the
	// request was pre-seeded without one.
	Conversation *Conversation
	// ToolCallsResult holds the round-trips completed earlier in this event;
	// providers append their entries after Contexts.
	ToolCallsResult []*ToolCallsResult
}

// UserEntry renders the prompt and image refs as the trailing user entry.
func (r *ProviderRequest) UserEntry() ContextEntry {
	return ContextEntry{
		Role:    RoleEntryUser,
		Content: r.Prompt,
		Images:  r.ImageURLs,
	}
}

// AssembleEntries produces the full entry list a provider should submit:
// prior contexts, completed tool round-trips, then the new user entry.
func (r *ProviderRequest) AssembleEntries() []ContextEntry {
	entries := make([]ContextEntry, 0, len(r.Contexts)+4)
	entries = append(entries, r.Contexts...)
	entries = append(entries, r.UserEntry())
	for _, trip := range r.ToolCallsResult {
		entries = append(entries, trip.Entries(false)...)
	}
	return entries
}

// LLMResponse is one provider reply, either a streaming chunk
// (IsChunk=true) or the terminating full response.
type LLMResponse struct {
	// Role is assistant for completions, tool when the model requested tool
	// calls, and err for user-surfacable failures.
	Role      string
	Chain     *MessageChain
	ToolCalls []ToolCall
	IsChunk   bool
	Raw       any
}

// NewAssistantResponse wraps completion text.
func NewAssistantResponse(text string) *LLMResponse {
	return &LLMResponse{Role: RoleEntryAssistant, Chain: TextChain(text)}
}

// NewErrResponse wraps a user-surfacable failure message.
func NewErrResponse(msg string) *LLMResponse {
	return &LLMResponse{Role: RoleEntryErr, Chain: TextChain(msg)}
}

// CompletionText returns the plain text of the response chain.
func (r *LLMResponse) CompletionText() string { return r.Chain.PlainText() }
