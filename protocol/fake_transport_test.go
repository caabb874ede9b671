package protocol

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golemhq/golem-mcp/jsonrpc"
)

// fakeTransport is a minimal in-memory transport.Transport double used to
// drive the protocol engine deterministically in tests, per spec.md's
// "polymorphic transport" design note.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []json.RawMessage
	connected bool

	messageHandlers []func(*jsonrpc.Message)
	closeHandlers   []func(*int)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true}
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
	f.mu.Lock()
	f.sent = append(f.sent, raw)
	f.mu.Unlock()
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

func (f *fakeTransport) Pid() int { return 0 }

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

// deliver simulates the server sending a line to the client.
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

// lastSent decodes the most recently sent message into a generic map.
func (f *fakeTransport) lastSent() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal(f.sent[len(f.sent)-1], &m)
	return m
}

// sentSnapshot returns a copy of every message sent so far.
func (f *fakeTransport) sentSnapshot() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage{}, f.sent...)
}
