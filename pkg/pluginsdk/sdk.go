// Package pluginsdk is the registration surface for Go-native plugins.
// A plugin package declares its handlers and tools with the builders here
// and calls Register from an init function; the runtime loads everything
// registered at boot and again on reload.
//
// The declarations are plain data. The runtime compiles them into live
// registry entries, so plugin packages depend only on this package and
// pkg/models.
package pluginsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/kestrelbot/kestrel/pkg/models"
)

// Event kinds a handler can bind to. Message handlers run in the process
// stage; the hook kinds run at their named pipeline points.
const (
	OnMessage     = "on_message"
	OnLLMRequest  = "on_llm_request"
	OnLLMResponse = "on_llm_response"
	OnDecorating  = "on_decorating_result"
	OnAfterSend   = "on_after_message_sent"
	OnLoaded      = "on_loaded"
)

// HandlerFunc is a handler body. Params carries whatever the matching
// filter parsed from the message (command args, regex groups); nil for
// hook kinds.
type HandlerFunc func(ctx context.Context, ev *models.Event, params map[string]any) error

// ToolFunc is a local tool body. The returned string becomes the tool
// entry fed back to the LLM.
type ToolFunc func(ctx context.Context, ev *models.Event, args map[string]any) (string, error)

// LifecycleFunc runs at a plugin lifecycle edge.
type LifecycleFunc func(ctx context.Context) error

// Plugin declares one plugin: identity, lifecycle hooks, and the handlers
// and tools it contributes.
type Plugin struct {
	Name        string
	Author      string
	Description string
	Version     string

	Handlers []Handler
	Tools    []Tool

	// Init runs after load, Terminate before unload. Either may be nil.
	Init      LifecycleFunc
	Terminate LifecycleFunc
}

// Handler declares one handler. Build with Command, Regex, or On rather
// than filling the struct directly.
type Handler struct {
	// Name is the handler's short name; the runtime prefixes it with the
	// plugin name to form the registry full name.
	Name        string
	Kind        string
	Description string
	// Priority orders handlers within a stage, higher first.
	Priority int

	// Command and Aliases install a command filter.
	Command string
	Aliases []string
	// Regex installs a regex filter; named groups become params.
	Regex string
	// AdminOnly installs a permission filter.
	AdminOnly bool
	// RequireWake installs a wake filter on top of the kind's defaults.
	RequireWake bool
	// MessageType restricts the handler to one conversation context
	// ("friend_message" or "group_message").
	MessageType string

	Fn HandlerFunc
}

// Tool declares one local function tool.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object. Built by WithSchema or WithArgs.
	Parameters map[string]any
	Fn         ToolFunc
}

// HandlerOption customizes a built handler.
type HandlerOption func(*Handler)

// WithDescription sets the handler description.
func WithDescription(desc string) HandlerOption {
	return func(h *Handler) { h.Description = desc }
}

// WithPriority sets the ordering priority, higher first.
func WithPriority(p int) HandlerOption {
	return func(h *Handler) { h.Priority = p }
}

// WithAliases adds alternate command names.
func WithAliases(aliases ...string) HandlerOption {
	return func(h *Handler) { h.Aliases = append(h.Aliases, aliases...) }
}

// AdminOnly restricts the handler to admin senders.
func AdminOnly() HandlerOption {
	return func(h *Handler) { h.AdminOnly = true }
}

// GroupOnly restricts the handler to group conversations.
func GroupOnly() HandlerOption {
	return func(h *Handler) { h.MessageType = string(models.MessageTypeGroup) }
}

// PrivateOnly restricts the handler to direct conversations.
func PrivateOnly() HandlerOption {
	return func(h *Handler) { h.MessageType = string(models.MessageTypeFriend) }
}

// RequireWake makes a regex handler fire only when the bot was addressed.
// Command handlers require wake already.
func RequireWake() HandlerOption {
	return func(h *Handler) { h.RequireWake = true }
}

// Command builds a message handler that fires on "<name> [args...]" after
// the bot was woken. The remaining words arrive as params["args"].
func Command(name string, fn HandlerFunc, opts ...HandlerOption) Handler {
	h := Handler{
		Name:    name,
		Kind:    OnMessage,
		Command: name,
		Fn:      fn,
	}
	for _, opt := range opts {
		opt(&h)
	}
	return h
}

// Regex builds a message handler matching the pattern against the message
// text. Named groups arrive as params.
func Regex(name, pattern string, fn HandlerFunc, opts ...HandlerOption) Handler {
	h := Handler{
		Name:  name,
		Kind:  OnMessage,
		Regex: pattern,
		Fn:    fn,
	}
	for _, opt := range opts {
		opt(&h)
	}
	return h
}

// On builds a hook handler bound to one of the On* kinds.
func On(kind, name string, fn HandlerFunc, opts ...HandlerOption) Handler {
	h := Handler{
		Name: name,
		Kind: kind,
		Fn:   fn,
	}
	for _, opt := range opts {
		opt(&h)
	}
	return h
}

// ToolOption customizes a built tool.
type ToolOption func(*Tool) error

// WithSchema sets the parameter schema literally. The object must be a
// JSON-schema object ({"type":"object",...}).
func WithSchema(schema map[string]any) ToolOption {
	return func(t *Tool) error {
		t.Parameters = schema
		return nil
	}
}

// WithArgs derives the parameter schema from a Go struct. Field names,
// json tags, jsonschema tags, and required markers all carry over.
func WithArgs(prototype any) ToolOption {
	return func(t *Tool) error {
		schema, err := SchemaFor(prototype)
		if err != nil {
			return err
		}
		t.Parameters = schema
		return nil
	}
}

// NewTool builds a local tool declaration. Without a schema option the
// tool takes no arguments.
func NewTool(name, description string, fn ToolFunc, opts ...ToolOption) (Tool, error) {
	t := Tool{Name: name, Description: description, Fn: fn}
	for _, opt := range opts {
		if err := opt(&t); err != nil {
			return Tool{}, fmt.Errorf("tool %s: %w", name, err)
		}
	}
	if t.Parameters == nil {
		t.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return t, nil
}

// MustTool is NewTool that panics on a bad declaration. Intended for
// package-level plugin variables, where the panic surfaces at boot.
func MustTool(name, description string, fn ToolFunc, opts ...ToolOption) Tool {
	t, err := NewTool(name, description, fn, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// SchemaFor reflects a flat JSON-schema object from a Go struct.
func SchemaFor(prototype any) (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := reflector.Reflect(prototype)
	s.Version = ""

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal reflected schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal reflected schema: %w", err)
	}
	delete(out, "$schema")
	return out, nil
}

var (
	registryMu sync.Mutex
	registered []Plugin
)

// Register adds a plugin to the boot set. Call from the plugin package's
// init function; the runtime loads every registered plugin at startup and
// on reload.
func Register(p Plugin) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registered = append(registered, p)
}

// Registered returns a snapshot of the boot set in registration order.
func Registered() []Plugin {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]Plugin, len(registered))
	copy(out, registered)
	return out
}

// Reset clears the boot set. Test helper.
func Reset() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registered = nil
}
