package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golemhq/golem-mcp/jsonrpc"
)

// fakeTransport is a scripted in-memory transport.Transport double,
// mirroring the fakes used in protocol/mcpclient/manager's own tests.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	responder func(method string, id any) (string, bool)

	messageHandlers []func(*jsonrpc.Message)
	closeHandlers   []func(*int)
}

func newFakeTransport(responder func(method string, id any) (string, bool)) *fakeTransport {
	return &fakeTransport{connected: true, responder: responder}
}

func (f *fakeTransport) Start(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Send(msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	id, hasID := m["id"]
	if !hasID {
		return nil
	}
	method, _ := m["method"].(string)

	f.mu.Lock()
	responder := f.responder
	f.mu.Unlock()
	if responder == nil {
		return nil
	}
	go func() {
		if body, ok := responder(method, id); ok {
			f.deliver([]byte(body))
		}
	}()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.emitClose(nil)
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Pid() int { return 9001 }

func (f *fakeTransport) OnMessage(h func(*jsonrpc.Message)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messageHandlers = append(f.messageHandlers, h)
	return func() {}
}

func (f *fakeTransport) OnError(h func(error)) func() { return func() {} }

func (f *fakeTransport) OnClose(h func(*int)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeHandlers = append(f.closeHandlers, h)
	return func() {}
}

func (f *fakeTransport) deliver(raw []byte) {
	msg, err := jsonrpc.Decode(raw)
	if err != nil {
		return
	}
	f.mu.Lock()
	handlers := append([]func(*jsonrpc.Message){}, f.messageHandlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (f *fakeTransport) emitClose(code *int) {
	f.mu.Lock()
	handlers := append([]func(*int){}, f.closeHandlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(code)
	}
}

// scriptedServer answers initialize/tools/list with a fixed capability
// and tool set, and tools/call according to callResult/callIsError.
type scriptedServer struct {
	tools       []string
	callResult  string
	callIsError bool
	callErr     bool // when true, tools/call never answers (simulates a hang/crash)
}

func (s scriptedServer) responder() func(method string, id any) (string, bool) {
	return func(method string, id any) (string, bool) {
		switch method {
		case "initialize":
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"stub","version":"1.0.0"}}}`, id), true
		case "tools/list":
			items := make([]string, 0, len(s.tools))
			for _, name := range s.tools {
				items = append(items, fmt.Sprintf(`{"name":%q}`, name))
			}
			list := "["
			for i, it := range items {
				if i > 0 {
					list += ","
				}
				list += it
			}
			list += "]"
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"tools":%s}}`, id, list), true
		case "tools/call":
			if s.callErr {
				return "", false
			}
			return fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"result":{"content":%s,"isError":%v}}`, id, s.callResult, s.callIsError), true
		default:
			return "", false
		}
	}
}
