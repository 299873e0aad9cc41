package tools

import (
	"context"
	"fmt"
	"sort"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

const mcpProtocolVersion = "2024-11-05"

// ServerConfig is one entry of the mcpServers file. A url selects the SSE
// transport, otherwise command/args spawn a stdio subprocess.
type ServerConfig struct {
	URL     string            `json:"url,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// Active gates auto-start; absent means true.
	Active *bool `json:"active,omitempty"`
}

// IsActive reports whether the server should be auto-started.
func (c ServerConfig) IsActive() bool {
	return c.Active == nil || *c.Active
}

func (c ServerConfig) validate(name string) error {
	if c.URL == "" && c.Command == "" {
		return fmt.Errorf("mcp server %q: either url or command is required", name)
	}
	return nil
}

// Client wraps one connection to a remote tool server.
type Client struct {
	name string
	cfg  ServerConfig
	mcp  *mcpclient.Client
}

// NewClient prepares a client; Connect establishes the transport.
func NewClient(name string, cfg ServerConfig) (*Client, error) {
	if err := cfg.validate(name); err != nil {
		return nil, err
	}
	return &Client{name: name, cfg: cfg}, nil
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// Connect opens the transport and completes the MCP initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	var (
		cli *mcpclient.Client
		err error
	)
	if c.cfg.URL != "" {
		cli, err = mcpclient.NewSSEMCPClient(c.cfg.URL, mcpclient.WithHeaders(c.cfg.Headers))
	} else {
		cli, err = mcpclient.NewStdioMCPClient(c.cfg.Command, flattenEnv(c.cfg.Env), c.cfg.Args...)
	}
	if err != nil {
		return fmt.Errorf("mcp server %s: create client: %w", c.name, err)
	}

	if err := cli.Start(ctx); err != nil {
		return fmt.Errorf("mcp server %s: start: %w", c.name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpProtocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "kestrel",
		Version: "1.0",
	}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		_ = cli.Close()
		return fmt.Errorf("mcp server %s: initialize: %w", c.name, err)
	}

	c.mcp = cli
	return nil
}

// ListTools fetches the server's tool inventory and renders each entry as a
// FuncTool named "mcp:<server>:<tool>" with a back-reference to this client.
func (c *Client) ListTools(ctx context.Context) ([]*FuncTool, error) {
	if c.mcp == nil {
		return nil, fmt.Errorf("mcp server %s: not connected", c.name)
	}
	resp, err := c.mcp.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp server %s: list tools: %w", c.name, err)
	}
	tools := make([]*FuncTool, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		name := fmt.Sprintf("%s:%s:%s", RemotePrefix, c.name, t.Name)
		tools = append(tools, NewRemoteTool(name, t.Description, schemaToMap(t.InputSchema), c.name, c))
	}
	return tools, nil
}

// CallTool invokes a remote tool and returns the first text content element
// of the result. A result flagged IsError becomes an error carrying that
// text.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if c.mcp == nil {
		return "", fmt.Errorf("mcp server %s: not connected", c.name)
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := c.mcp.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp server %s: call %s: %w", c.name, name, err)
	}
	text := firstText(resp)
	if resp.IsError {
		if text == "" {
			text = "unknown error"
		}
		return "", fmt.Errorf("mcp server %s: tool %s: %s", c.name, name, text)
	}
	return text, nil
}

// Close tears down the transport. Safe to call on an unconnected client.
func (c *Client) Close() error {
	if c.mcp == nil {
		return nil
	}
	err := c.mcp.Close()
	c.mcp = nil
	return err
}

func firstText(resp *mcp.CallToolResult) string {
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	out := map[string]any{"type": "object"}
	if schema.Type != "" {
		out["type"] = schema.Type
	}
	if len(schema.Properties) > 0 {
		out["properties"] = schema.Properties
	} else {
		out["properties"] = map[string]any{}
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	return out
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
