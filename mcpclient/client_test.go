package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golemhq/golem-mcp/jsonrpc"
)

// stubTransport is a minimal transport.Transport double, mirroring the
// fake used in the protocol package's own tests.
type stubTransport struct {
	mu        sync.Mutex
	sent      []json.RawMessage
	connected bool
	responder func(method string, id any) (string, bool)

	messageHandlers []func(*jsonrpc.Message)
	closeHandlers   []func(*int)
}

func newStubTransport() *stubTransport {
	return &stubTransport{connected: true}
}

func (s *stubTransport) Start(ctx context.Context) error {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *stubTransport) Send(msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, raw)
	responder := s.responder
	s.mu.Unlock()

	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	id, hasID := m["id"]
	if !hasID || responder == nil {
		return nil
	}
	method, _ := m["method"].(string)
	go func() {
		if body, ok := responder(method, id); ok {
			s.deliver([]byte(body))
		}
	}()
	return nil
}

func (s *stubTransport) Close() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.emitClose(nil)
	return nil
}

func (s *stubTransport) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubTransport) Pid() int { return 4242 }

func (s *stubTransport) OnMessage(h func(*jsonrpc.Message)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageHandlers = append(s.messageHandlers, h)
	return func() {}
}

func (s *stubTransport) OnError(h func(error)) func() { return func() {} }

func (s *stubTransport) OnClose(h func(*int)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHandlers = append(s.closeHandlers, h)
	return func() {}
}

func (s *stubTransport) deliver(raw []byte) {
	msg, err := jsonrpc.Decode(raw)
	if err != nil {
		return
	}
	s.mu.Lock()
	handlers := append([]func(*jsonrpc.Message){}, s.messageHandlers...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (s *stubTransport) emitClose(code *int) {
	s.mu.Lock()
	handlers := append([]func(*int){}, s.closeHandlers...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(code)
	}
}

func handshakeResponder(method string, id any) (string, bool) {
	switch method {
	case "initialize":
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"stub","version":"1.0.0"}}}`, id), true
	default:
		return "", false
	}
}

func connectedClient(t *testing.T, responder func(method string, id any) (string, bool)) (*Client, *stubTransport) {
	t.Helper()
	st := newStubTransport()
	st.responder = func(method string, id any) (string, bool) {
		if method == "initialize" {
			return handshakeResponder(method, id)
		}
		if responder != nil {
			return responder(method, id)
		}
		return "", false
	}

	c := New(map[string]any{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.ConnectWithTransport(ctx, st); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c, st
}

func TestConnectRunsHandshake(t *testing.T) {
	t.Parallel()

	c, _ := connectedClient(t, nil)
	if !c.IsConnected() {
		t.Fatal("expected client to be connected after handshake")
	}
}

func TestOperationsBeforeConnectFail(t *testing.T) {
	t.Parallel()

	c := New(nil)
	if _, err := c.ListTools(context.Background(), ""); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := c.CallTool(context.Background(), "x", nil); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestListAndGetToolCaches(t *testing.T) {
	t.Parallel()

	calls := 0
	var mu sync.Mutex
	c, _ := connectedClient(t, func(method string, id any) (string, bool) {
		if method == "tools/list" {
			mu.Lock()
			calls++
			mu.Unlock()
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"tools":[{"name":"echo","description":"echoes input"}]}}`, id), true
		}
		return "", false
	})

	ctx := context.Background()
	tools, err := c.ListTools(ctx, "")
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", tools)
	}

	tool, err := c.GetTool(ctx, "echo")
	if err != nil {
		t.Fatalf("get tool: %v", err)
	}
	if tool.Description != "echoes input" {
		t.Fatalf("unexpected tool: %+v", tool)
	}

	if _, err := c.GetTool(ctx, "echo"); err != nil {
		t.Fatalf("second get tool: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected tools/list to be called once due to caching, got %d", calls)
	}
}

func TestGetToolUnknownName(t *testing.T) {
	t.Parallel()

	c, _ := connectedClient(t, func(method string, id any) (string, bool) {
		if method == "tools/list" {
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"tools":[]}}`, id), true
		}
		return "", false
	})

	if _, err := c.GetTool(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown tool name")
	}
}

func TestCallToolSuccess(t *testing.T) {
	t.Parallel()

	c, _ := connectedClient(t, func(method string, id any) (string, bool) {
		if method == "tools/call" {
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"content":[{"type":"text","text":"ok"}],"isError":false}}`, id), true
		}
		return "", false
	})

	result, err := c.CallTool(context.Background(), "echo", map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if result.IsError {
		t.Fatal("did not expect isError")
	}
	if len(result.Content) == 0 {
		t.Fatal("expected non-empty content")
	}
}

func TestDisconnectInvalidatesCacheAndConnection(t *testing.T) {
	t.Parallel()

	c, _ := connectedClient(t, func(method string, id any) (string, bool) {
		if method == "tools/list" {
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"tools":[{"name":"echo"}]}}`, id), true
		}
		if method == "shutdown" {
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{}}`, id), true
		}
		return "", false
	})

	ctx := context.Background()
	if _, err := c.ListTools(ctx, ""); err != nil {
		t.Fatalf("list tools: %v", err)
	}

	c.Disconnect(ctx)

	if c.IsConnected() {
		t.Fatal("expected client to be disconnected")
	}
	if _, err := c.ListTools(ctx, ""); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestReadResourceAndGetPrompt(t *testing.T) {
	t.Parallel()

	c, _ := connectedClient(t, func(method string, id any) (string, bool) {
		switch method {
		case "resources/read":
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"contents":[{"uri":"file:///a","text":"hi"}]}}`, id), true
		case "prompts/get":
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"messages":[]}}`, id), true
		}
		return "", false
	})

	ctx := context.Background()
	if _, err := c.ReadResource(ctx, "file:///a"); err != nil {
		t.Fatalf("read resource: %v", err)
	}
	if _, err := c.GetPrompt(ctx, "greeting", map[string]any{"name": "world"}); err != nil {
		t.Fatalf("get prompt: %v", err)
	}
}

func TestOnNotificationForwardsFromEngine(t *testing.T) {
	t.Parallel()

	c, st := connectedClient(t, nil)

	received := make(chan string, 1)
	unsub, err := c.OnNotification("notifications/message", func(params json.RawMessage) {
		received <- string(params)
	})
	if err != nil {
		t.Fatalf("on notification: %v", err)
	}
	defer unsub()

	st.deliver([]byte(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("notification handler was not invoked")
	}
}
