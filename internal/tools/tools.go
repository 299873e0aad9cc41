// Package tools manages the function tools advertised to LLM providers:
// locally implemented handlers and tools hosted on remote MCP servers.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kestrelbot/kestrel/pkg/models"
)

// Origin tells where a tool's implementation lives.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "mcp"
)

// RemotePrefix starts the name of every remote tool: "mcp:<server>:<tool>".
const RemotePrefix = "mcp"

// LocalHandler implements a local tool. The returned string becomes the
// tool entry content. A handler may additionally surface rich chains to the
// user by setting a result on the event; the LLM stage collects those into
// the tool-call scratchpad.
type LocalHandler func(ctx context.Context, ev *models.Event, args map[string]any) (string, error)

// FuncTool is one callable advertised to the LLM.
type FuncTool struct {
	// Name is globally unique. Remote tools are named "mcp:<server>:<tool>".
	Name        string
	Description string
	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
	// Active tools appear in provider catalogs; inactive ones stay
	// registered but invisible.
	Active bool
	Origin Origin
	// PluginName is the owning plugin for local tools, used for
	// per-platform enablement. Empty for remote tools.
	PluginName string

	Handler    LocalHandler
	ServerName string
	client     ToolCaller
}

// ToolCaller routes a remote tool invocation to its server. Implemented by
// Client; tests substitute fakes.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// NewRemoteTool builds a remote FuncTool bound to the given caller. Used by
// the MCP service and by tests.
func NewRemoteTool(name, description string, params map[string]any, server string, caller ToolCaller) *FuncTool {
	return &FuncTool{
		Name:        name,
		Description: description,
		Parameters:  params,
		Active:      true,
		Origin:      OriginRemote,
		ServerName:  server,
		client:      caller,
	}
}

// RemoteToolName returns the bare tool name a remote server knows this tool
// by: the last segment of "mcp:server:tool".
func (t *FuncTool) RemoteToolName() string {
	parts := strings.Split(t.Name, ":")
	return parts[len(parts)-1]
}

// Execute invokes the tool. Local tools run their handler; remote tools are
// routed through the owning server's client.
func (t *FuncTool) Execute(ctx context.Context, ev *models.Event, args map[string]any) (string, error) {
	switch t.Origin {
	case OriginLocal:
		if t.Handler == nil {
			return "", fmt.Errorf("tool %s has no handler", t.Name)
		}
		return t.Handler(ctx, ev, args)
	case OriginRemote:
		if t.client == nil {
			return "", fmt.Errorf("tool %s has no client", t.Name)
		}
		return t.client.CallTool(ctx, t.RemoteToolName(), args)
	default:
		return "", fmt.Errorf("tool %s has unknown origin %q", t.Name, t.Origin)
	}
}

// Spec renders the tool in the provider-neutral catalog shape.
func (t *FuncTool) Spec() models.FuncToolSpec {
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return models.FuncToolSpec{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  params,
	}
}

// Manager is the in-memory tool list. Lookups are linear; the list stays
// small.
type Manager struct {
	mu    sync.RWMutex
	tools []*FuncTool
}

// NewManager returns an empty tool manager.
func NewManager() *Manager {
	return &Manager{}
}

// Add registers a tool after validating its parameter schema. A tool with
// the same name is replaced.
func (m *Manager) Add(t *FuncTool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Parameters != nil {
		if err := validateSchema(t.Parameters); err != nil {
			return fmt.Errorf("tool %s: invalid parameter schema: %w", t.Name, err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.tools {
		if existing.Name == t.Name {
			m.tools[i] = t
			return nil
		}
	}
	m.tools = append(m.tools, t)
	return nil
}

// Get returns the tool with the given name.
func (m *Manager) Get(name string) (*FuncTool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tools {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Remove drops the tool with the given name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.tools {
		if t.Name == name {
			m.tools = append(m.tools[:i], m.tools[i+1:]...)
			return
		}
	}
}

// RemoveServer purges every tool registered by the named remote server.
// Called before re-registration so a reconnect never duplicates tools.
func (m *Manager) RemoveServer(server string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.tools[:0]
	for _, t := range m.tools {
		if t.Origin == OriginRemote && t.ServerName == server {
			continue
		}
		kept = append(kept, t)
	}
	m.tools = kept
}

// SetActive flips a tool's catalog visibility. Returns false when the tool
// is unknown.
func (m *Manager) SetActive(name string, active bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tools {
		if t.Name == name {
			t.Active = active
			return true
		}
	}
	return false
}

// All returns a snapshot of every registered tool.
func (m *Manager) All() []*FuncTool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*FuncTool(nil), m.tools...)
}

// Specs renders the catalog of active tools. Returns nil when no tool is
// active, which providers take as "advertise nothing".
func (m *Manager) Specs() []models.FuncToolSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var specs []models.FuncToolSpec
	for _, t := range m.tools {
		if !t.Active {
			continue
		}
		specs = append(specs, t.Spec())
	}
	return specs
}

// Len returns the number of registered tools.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tools)
}

func validateSchema(params map[string]any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return err
	}
	_, err = compiler.Compile("schema.json")
	return err
}
