// Package mcpclient is a thin facade over the protocol engine, offering
// the MCP operations a caller needs: tool/resource/prompt listing and
// invocation, and connection lifecycle management.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/golemhq/golem-mcp/protocol"
	"github.com/golemhq/golem-mcp/transport"
)

// ErrNotConnected is returned by any operation other than connect* that is
// called before a successful handshake.
var ErrNotConnected = errors.New("mcpclient: not connected")

// Tool is the schema-described callable a server exposes.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource is an opaque pass-through record per spec.md §1.
type Resource = json.RawMessage

// Prompt is an opaque pass-through record per spec.md §1.
type Prompt = json.RawMessage

// CallToolResult is the result of tools/call; Content is left as a raw
// payload since its shape is not interpreted by this layer, and IsError
// flags a tool-level (not transport/protocol-level) failure.
type CallToolResult struct {
	Content json.RawMessage `json:"content,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

type listToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// TransportOptions configures a new stdio transport for Connect.
type TransportOptions struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
}

// Client is the facade owned by a manager for talking to one server.
type Client struct {
	engine    *protocol.Engine
	tr        transport.Transport
	clientCap any

	mu         sync.Mutex
	toolsCache []Tool
}

// New constructs an unconnected Client. clientCapabilities is whatever the
// caller wants advertised during the initialize handshake.
func New(clientCapabilities any) *Client {
	return &Client{clientCap: clientCapabilities}
}

// Connect builds a stdio transport from opts, starts it, and runs the MCP
// handshake.
func (c *Client) Connect(ctx context.Context, opts TransportOptions) (*protocol.InitializeResult, error) {
	tr := transport.New(transport.Options{
		Command: opts.Command,
		Args:    opts.Args,
		Env:     opts.Env,
		Dir:     opts.Dir,
	})
	return c.ConnectWithTransport(ctx, tr)
}

// ConnectWithTransport starts tr and runs the MCP handshake over it,
// allowing a caller to substitute a test double or alternate transport.
func (c *Client) ConnectWithTransport(ctx context.Context, tr transport.Transport) (*protocol.InitializeResult, error) {
	if err := tr.Start(ctx); err != nil {
		return nil, fmt.Errorf("mcpclient: transport start failed: %w", err)
	}

	engine := protocol.New(tr, protocol.Options{})
	result, err := engine.Initialize(ctx, protocol.ClientInfo{Name: "golem-mcp", Version: "0.1.0"}, c.clientCap)
	if err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("mcpclient: handshake failed: %w", err)
	}

	c.mu.Lock()
	c.tr = tr
	c.engine = engine
	c.toolsCache = nil
	c.mu.Unlock()

	return result, nil
}

// Disconnect shuts down the protocol engine and closes the transport,
// invalidating the tool cache. Best-effort: errors are swallowed so
// cleanup always completes.
func (c *Client) Disconnect(ctx context.Context) {
	c.mu.Lock()
	engine := c.engine
	tr := c.tr
	c.engine = nil
	c.tr = nil
	c.toolsCache = nil
	c.mu.Unlock()

	if engine != nil {
		_ = engine.Shutdown(ctx)
	}
	if tr != nil {
		_ = tr.Close()
	}
}

// IsConnected reports whether the handshake has completed and not since
// been torn down.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine != nil && c.engine.IsInitialized()
}

// Pid returns the underlying transport's child process id, or 0 if not
// connected or the transport does not expose one.
func (c *Client) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tr == nil {
		return 0
	}
	return c.tr.Pid()
}

func (c *Client) engineOrErr() (*protocol.Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine == nil {
		return nil, ErrNotConnected
	}
	return c.engine, nil
}

// OnNotification registers handler for server-initiated notifications of
// the given method (e.g. "notifications/message").
func (c *Client) OnNotification(method string, handler func(json.RawMessage)) (func(), error) {
	engine, err := c.engineOrErr()
	if err != nil {
		return nil, err
	}
	return engine.OnNotification(method, handler), nil
}

// ListTools issues tools/list, forwarding cursor when non-empty. A call
// without a cursor stores the returned tools in the GetTool cache.
func (c *Client) ListTools(ctx context.Context, cursor string) ([]Tool, error) {
	engine, err := c.engineOrErr()
	if err != nil {
		return nil, err
	}

	raw, err := engine.Request(ctx, "tools/list", cursorParams(cursor))
	if err != nil {
		return nil, err
	}

	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcpclient: malformed tools/list result: %w", err)
	}
	if cursor == "" {
		c.mu.Lock()
		c.toolsCache = result.Tools
		c.mu.Unlock()
	}
	return result.Tools, nil
}

// GetTool looks name up in the cached tool array, listing and caching it
// first when nothing is cached yet (a ListTools call without a cursor also
// fills the cache); the cache is invalidated by Disconnect.
func (c *Client) GetTool(ctx context.Context, name string) (*Tool, error) {
	c.mu.Lock()
	cached := c.toolsCache
	c.mu.Unlock()

	if cached == nil {
		tools, err := c.ListTools(ctx, "")
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.toolsCache = tools
		c.mu.Unlock()
		cached = tools
	}

	for i := range cached {
		if cached[i].Name == name {
			t := cached[i]
			return &t, nil
		}
	}
	return nil, fmt.Errorf("mcpclient: tool %q not found", name)
}

// CallTool issues tools/call with the given name and arguments.
func (c *Client) CallTool(ctx context.Context, name string, args any) (*CallToolResult, error) {
	engine, err := c.engineOrErr()
	if err != nil {
		return nil, err
	}

	params := map[string]any{"name": name}
	if args != nil {
		params["arguments"] = args
	}

	raw, err := engine.Request(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcpclient: malformed tools/call result: %w", err)
	}
	return &result, nil
}

// ListResources issues resources/list, forwarding cursor when non-empty.
func (c *Client) ListResources(ctx context.Context, cursor string) (json.RawMessage, error) {
	engine, err := c.engineOrErr()
	if err != nil {
		return nil, err
	}
	return engine.Request(ctx, "resources/list", cursorParams(cursor))
}

// ReadResource issues resources/read for the given uri.
func (c *Client) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	engine, err := c.engineOrErr()
	if err != nil {
		return nil, err
	}
	return engine.Request(ctx, "resources/read", map[string]any{"uri": uri})
}

// ListPrompts issues prompts/list, forwarding cursor when non-empty.
func (c *Client) ListPrompts(ctx context.Context, cursor string) (json.RawMessage, error) {
	engine, err := c.engineOrErr()
	if err != nil {
		return nil, err
	}
	return engine.Request(ctx, "prompts/list", cursorParams(cursor))
}

// GetPrompt issues prompts/get for the given name and arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, args any) (json.RawMessage, error) {
	engine, err := c.engineOrErr()
	if err != nil {
		return nil, err
	}
	params := map[string]any{"name": name}
	if args != nil {
		params["arguments"] = args
	}
	return engine.Request(ctx, "prompts/get", params)
}

func cursorParams(cursor string) any {
	if cursor == "" {
		return nil
	}
	return map[string]any{"cursor": cursor}
}
