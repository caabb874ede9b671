// Package protocol implements the JSON-RPC request/response correlation
// layer and the MCP initialize/initialized handshake on top of a
// transport.Transport.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golemhq/golem-mcp/jsonrpc"
	"github.com/golemhq/golem-mcp/transport"
)

// ProtocolVersion is the MCP protocol version this engine speaks during
// the initialize handshake.
const ProtocolVersion = "2024-11-05"

// DefaultTimeout is applied to a request when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// ClientInfo identifies this client during the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo identifies the server as returned from initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server's response to the initialize request.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
}

// Options configures an Engine.
type Options struct {
	// Timeout bounds every Request call; DefaultTimeout is used when zero.
	Timeout time.Duration
}

// outcome is the single terminal event a pendingRequest can receive:
// exactly one of response, timedOut, closed, or shuttingDown is ever set,
// guaranteeing
// each request has exactly one terminal state.
type outcome struct {
	response     *jsonrpc.Response
	timedOut     bool
	closed       *TransportClosedError
	shuttingDown bool
}

type pendingRequest struct {
	method string
	result chan outcome
	once   sync.Once
	timer  *time.Timer
}

// Engine correlates JSON-RPC requests/responses over a transport.Transport,
// dispatches server-initiated notifications, and drives the MCP
// initialize/initialized handshake.
type Engine struct {
	tr      transport.Transport
	timeout time.Duration

	idCounter int64

	mu          sync.Mutex
	pending     map[int64]*pendingRequest
	initialized bool

	notifyMu sync.Mutex
	notify   map[string][]func(json.RawMessage)

	closeMu sync.Mutex
	onClose []func(error)
}

// New constructs an Engine bound to tr. It subscribes to the transport's
// message/close events immediately; callers must still call tr.Start
// themselves (typically via Initialize's caller).
func New(tr transport.Transport, opts Options) *Engine {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	e := &Engine{
		tr:      tr,
		timeout: timeout,
		pending: make(map[int64]*pendingRequest),
		notify:  make(map[string][]func(json.RawMessage)),
	}
	tr.OnMessage(e.handleMessage)
	tr.OnClose(e.handleClose)
	return e
}

// IsInitialized reports whether the MCP handshake has completed.
func (e *Engine) IsInitialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// OnNotification registers handler to be invoked whenever a server
// notification with the given method arrives. notifications/message is the
// logging channel; any other method name is also dispatched here.
func (e *Engine) OnNotification(method string, handler func(json.RawMessage)) func() {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	e.notify[method] = append(e.notify[method], handler)
	idx := len(e.notify[method]) - 1
	return func() {
		e.notifyMu.Lock()
		defer e.notifyMu.Unlock()
		handlers := e.notify[method]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

// OnClose registers handler to be invoked once when the transport closes.
func (e *Engine) OnClose(handler func(error)) func() {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	e.onClose = append(e.onClose, handler)
	idx := len(e.onClose) - 1
	return func() {
		e.closeMu.Lock()
		defer e.closeMu.Unlock()
		if idx < len(e.onClose) {
			e.onClose[idx] = nil
		}
	}
}

// Request allocates a monotonically increasing id, sends method/params as
// a request, and blocks until a matching response arrives, the per-request
// timer fires, or the transport closes.
func (e *Engine) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&e.idCounter, 1)

	pr := &pendingRequest{
		method: method,
		result: make(chan outcome, 1),
	}

	e.mu.Lock()
	e.pending[id] = pr
	e.mu.Unlock()

	pr.timer = time.AfterFunc(e.timeout, func() {
		e.resolveTimeout(id)
	})

	if err := e.tr.Send(jsonrpc.NewRequest(id, method, params)); err != nil {
		e.removePending(id)
		pr.timer.Stop()
		return nil, fmt.Errorf("protocol: send %q failed: %w", method, err)
	}

	select {
	case out := <-pr.result:
		switch {
		case out.timedOut:
			return nil, &TimeoutError{Method: method, ID: id}
		case out.shuttingDown:
			return nil, ErrShuttingDown
		case out.closed != nil:
			return nil, out.closed
		case out.response.Error != nil:
			return nil, &MCPError{Code: out.response.Error.Code, Message: out.response.Error.Message, Data: out.response.Error.Data}
		default:
			return out.response.Result, nil
		}
	case <-ctx.Done():
		e.removePending(id)
		pr.timer.Stop()
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification; it never waits for a
// response.
func (e *Engine) Notify(method string, params any) error {
	return e.tr.Send(jsonrpc.NewNotification(method, params))
}

// Initialize runs the MCP handshake: it issues the initialize request,
// then on success sends notifications/initialized and marks the engine
// initialized.
func (e *Engine) Initialize(ctx context.Context, clientInfo ClientInfo, capabilities any) (*InitializeResult, error) {
	raw, err := e.Request(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    capabilities,
		"clientInfo":      clientInfo,
	})
	if err != nil {
		return nil, err
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("protocol: malformed initialize result: %w", err)
	}

	if err := e.Notify("notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("protocol: failed to send initialized notification: %w", err)
	}

	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()

	return &result, nil
}

// Shutdown best-effort requests "shutdown" (swallowing any error), marks
// the engine not initialized, and rejects every remaining pending request.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	wasInitialized := e.initialized
	e.mu.Unlock()

	if wasInitialized {
		_, _ = e.Request(ctx, "shutdown", nil)
	}

	e.mu.Lock()
	e.initialized = false
	remaining := e.pending
	e.pending = make(map[int64]*pendingRequest)
	e.mu.Unlock()

	for _, pr := range remaining {
		pr.timer.Stop()
		pr.once.Do(func() {
			pr.result <- outcome{shuttingDown: true}
		})
	}

	return nil
}

func (e *Engine) removePending(id int64) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

func (e *Engine) resolveTimeout(id int64) {
	e.mu.Lock()
	pr, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	pr.once.Do(func() {
		pr.result <- outcome{timedOut: true}
	})
}

func (e *Engine) handleMessage(m *jsonrpc.Message) {
	if m.IsResponse() {
		e.handleResponse(m)
		return
	}
	if m.IsNotification() {
		e.dispatchNotification(m.Method, m.Params)
		return
	}
	// A request arriving from the server (id+method) is not part of this
	// layer's scope; malformed/unexpected shapes are silently ignored.
}

func (e *Engine) handleResponse(m *jsonrpc.Message) {
	id, ok := normalizeID(m.ID)
	if !ok {
		return
	}

	e.mu.Lock()
	pr, found := e.pending[id]
	if found {
		delete(e.pending, id)
	}
	e.mu.Unlock()

	if !found {
		return // unknown id: late response after timeout, or foreign id
	}

	pr.timer.Stop()
	pr.once.Do(func() {
		pr.result <- outcome{response: &jsonrpc.Response{JSONRPC: m.JSONRPC, ID: m.ID, Result: m.Result, Error: m.Error}}
	})
}

func (e *Engine) dispatchNotification(method string, params json.RawMessage) {
	e.notifyMu.Lock()
	handlers := append([]func(json.RawMessage){}, e.notify[method]...)
	e.notifyMu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h(params)
		}
	}
}

func (e *Engine) handleClose(exitCode *int) {
	e.mu.Lock()
	e.initialized = false
	remaining := e.pending
	e.pending = make(map[int64]*pendingRequest)
	e.mu.Unlock()

	closedErr := &TransportClosedError{ExitCode: exitCode}
	for _, pr := range remaining {
		pr.timer.Stop()
		pr.once.Do(func() {
			pr.result <- outcome{closed: closedErr}
		})
	}

	e.closeMu.Lock()
	handlers := append([]func(error){}, e.onClose...)
	e.closeMu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(closedErr)
		}
	}
}

// normalizeID converts the loosely-typed id carried on the wire (float64
// from JSON numbers, json.Number, or int64) back into the int64 this
// engine allocates ids as. String ids (which this engine never issues but
// which a malformed/foreign response might carry) are rejected.
func normalizeID(raw any) (int64, bool) {
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
