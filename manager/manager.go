// Package manager owns the lifecycle of every (config, mcpclient.Client)
// pair: spawning, handshaking, tearing down, and broadcasting state
// transitions, generalizing the teacher's single ManagedServer status
// field into the richer stopped/starting/running/error state machine.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/golemhq/golem-mcp/golemlog"
	"github.com/golemhq/golem-mcp/manifest"
	"github.com/golemhq/golem-mcp/mcpclient"
	"github.com/golemhq/golem-mcp/protocol"
	"github.com/golemhq/golem-mcp/telemetry"
	"github.com/golemhq/golem-mcp/transport"
)

// Status is a managed server's lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// State is the observable snapshot of one managed server.
type State struct {
	Name         string
	Status       Status
	Pid          int
	Capabilities json.RawMessage
	ServerInfo   *protocol.ServerInfo
	ToolCount    int
	StartedAt    time.Time
	Error        string
}

// EnvBuilder produces the child process environment for a server config.
// The default builder overlays config.Env on os.Environ(), the same shape
// the teacher's ManagedServer.Start uses; a composition root that wants
// secret-store overlays supplies secret.Provider.BuildEnv here instead.
type EnvBuilder func(name string, config manifest.ServerConfig) []string

func defaultEnvBuilder(_ string, config manifest.ServerConfig) []string {
	env := os.Environ()
	for k, v := range config.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// NewClientFunc constructs an mcpclient.Client.
type NewClientFunc func() *mcpclient.Client

// NewTransportFunc builds the transport a Start call connects over. The
// default builds a real stdio child process; tests substitute a fake
// transport.Transport to avoid spawning anything.
type NewTransportFunc func(config manifest.ServerConfig, env []string) transport.Transport

func defaultNewTransport(config manifest.ServerConfig, env []string) transport.Transport {
	return transport.New(transport.Options{
		Command: config.Command,
		Args:    config.Args,
		Env:     env,
	})
}

// Options configures a Manager.
type Options struct {
	BuildEnv           EnvBuilder
	NewClient          NewClientFunc
	NewTransport       NewTransportFunc
	ClientCapabilities any
	Logger             *golemlog.Logger
	Tracer             trace.Tracer
	Metrics            *telemetry.Metrics
}

type slot struct {
	state  State
	config manifest.ServerConfig
	client *mcpclient.Client
}

// Manager tracks every currently stopped-placeholder/starting/running
// server and serializes lifecycle operations per name.
type Manager struct {
	buildEnv     EnvBuilder
	newClient    NewClientFunc
	newTransport NewTransportFunc
	clientCap    any
	log          *golemlog.Logger
	tracer       trace.Tracer
	metrics      *telemetry.Metrics

	mapMu     sync.Mutex
	servers   map[string]*slot
	nameLocks map[string]*sync.Mutex

	stateMu       sync.Mutex
	stateHandlers []func(State)
}

// New constructs an empty Manager.
func New(opts Options) *Manager {
	buildEnv := opts.BuildEnv
	if buildEnv == nil {
		buildEnv = defaultEnvBuilder
	}
	newClient := opts.NewClient
	if newClient == nil {
		cap := opts.ClientCapabilities
		newClient = func() *mcpclient.Client { return mcpclient.New(cap) }
	}
	newTransport := opts.NewTransport
	if newTransport == nil {
		newTransport = defaultNewTransport
	}
	return &Manager{
		buildEnv:     buildEnv,
		newClient:    newClient,
		newTransport: newTransport,
		clientCap:    opts.ClientCapabilities,
		log:          opts.Logger,
		tracer:       opts.Tracer,
		metrics:      opts.Metrics,
		servers:      make(map[string]*slot),
		nameLocks:    make(map[string]*sync.Mutex),
	}
}

// OnStateChange registers handler to be invoked, with a value-copy of the
// new state, on every transition.
func (m *Manager) OnStateChange(handler func(State)) func() {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.stateHandlers = append(m.stateHandlers, handler)
	idx := len(m.stateHandlers) - 1
	return func() {
		m.stateMu.Lock()
		defer m.stateMu.Unlock()
		if idx < len(m.stateHandlers) {
			m.stateHandlers[idx] = nil
		}
	}
}

func (m *Manager) emit(state State) {
	m.stateMu.Lock()
	handlers := append([]func(State){}, m.stateHandlers...)
	m.stateMu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(state)
		}
	}
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	l, ok := m.nameLocks[name]
	if !ok {
		l = &sync.Mutex{}
		m.nameLocks[name] = l
	}
	return l
}

// Start creates a client for config, spawns and handshakes it, and
// records the resulting state. On any failure the slot is evicted before
// the error is returned, so a subsequent Start for the same name is free
// to retry.
func (m *Manager) Start(ctx context.Context, config manifest.ServerConfig) (State, error) {
	nameLock := m.lockFor(config.Name)
	nameLock.Lock()
	defer nameLock.Unlock()

	attemptID := uuid.NewString()

	m.mapMu.Lock()
	if existing, ok := m.servers[config.Name]; ok {
		if existing.state.Status == StatusRunning {
			m.mapMu.Unlock()
			return State{}, &AlreadyRunningError{Name: config.Name}
		}
		delete(m.servers, config.Name)
	}
	m.mapMu.Unlock()

	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.Start(ctx, "manager.start", trace.WithAttributes(
			attribute.String("server", config.Name),
			attribute.String("attempt_id", attemptID),
		))
		defer span.End()
	}

	client := m.newClient()
	startingState := State{Name: config.Name, Status: StatusStarting}

	m.mapMu.Lock()
	m.servers[config.Name] = &slot{state: startingState, config: config, client: client}
	m.mapMu.Unlock()
	m.emit(startingState)

	if m.log != nil {
		m.log.Info("server starting", "server", config.Name, "attempt_id", attemptID)
	}

	tr := m.newTransport(config, m.buildEnv(config.Name, config))
	result, err := client.ConnectWithTransport(ctx, tr)
	if err != nil {
		return m.failStart(config.Name, err)
	}

	running := State{
		Name:         config.Name,
		Status:       StatusRunning,
		Pid:          client.Pid(),
		Capabilities: result.Capabilities,
		ServerInfo:   &protocol.ServerInfo{Name: result.ServerInfo.Name, Version: result.ServerInfo.Version},
		StartedAt:    time.Now(),
	}

	if tools, err := client.ListTools(ctx, ""); err == nil {
		running.ToolCount = len(tools)
	}

	m.mapMu.Lock()
	m.servers[config.Name] = &slot{state: running, config: config, client: client}
	m.mapMu.Unlock()
	m.emit(running)

	if m.log != nil {
		m.log.Info("server running", "server", config.Name, "toolCount", running.ToolCount)
	}

	return running, nil
}

func (m *Manager) failStart(name string, cause error) (State, error) {
	errState := State{Name: name, Status: StatusError, Error: cause.Error()}

	m.mapMu.Lock()
	delete(m.servers, name)
	m.mapMu.Unlock()
	m.emit(errState)

	if m.metrics != nil {
		m.metrics.StartFailure.Add(context.Background(), 1, metric.WithAttributes(attribute.String("server", name)))
	}
	if m.log != nil {
		m.log.Error("server start failed", "server", name, "error", cause.Error())
	}

	return State{}, &StartupFailedError{Name: name, Cause: cause}
}

// Stop disconnects and evicts name. Disconnect errors are swallowed, per
// spec's best-effort cleanup policy.
func (m *Manager) Stop(ctx context.Context, name string) error {
	nameLock := m.lockFor(name)
	nameLock.Lock()
	defer nameLock.Unlock()

	m.mapMu.Lock()
	s, ok := m.servers[name]
	if ok {
		delete(m.servers, name)
	}
	m.mapMu.Unlock()

	if !ok {
		return &NotFoundError{Name: name}
	}

	if s.client != nil {
		s.client.Disconnect(ctx)
	}

	stopped := State{Name: name, Status: StatusStopped}
	m.emit(stopped)
	if m.log != nil {
		m.log.Info("server stopped", "server", name)
	}
	return nil
}

// Restart stops name (if running) and starts it again with its
// previously registered config.
func (m *Manager) Restart(ctx context.Context, name string) (State, error) {
	nameLock := m.lockFor(name)
	nameLock.Lock()

	m.mapMu.Lock()
	s, ok := m.servers[name]
	m.mapMu.Unlock()
	if !ok {
		nameLock.Unlock()
		return State{}, &NotFoundError{Name: name}
	}
	config := s.config

	if s.client != nil {
		s.client.Disconnect(ctx)
	}
	m.mapMu.Lock()
	delete(m.servers, name)
	m.mapMu.Unlock()
	m.emit(State{Name: name, Status: StatusStopped})

	if m.metrics != nil {
		m.metrics.Restarts.Add(ctx, 1)
	}

	nameLock.Unlock()
	return m.Start(ctx, config)
}

// StartAll starts every config whose AutoStart is not explicitly false;
// the rest are registered as stopped placeholders. Failures for one
// config do not stop the loop; each result (nil on success) is reported
// keyed by server name.
func (m *Manager) StartAll(ctx context.Context, configs []manifest.ServerConfig) map[string]error {
	results := make(map[string]error, len(configs))
	for _, config := range configs {
		if !config.AutoStartOrDefault() {
			nameLock := m.lockFor(config.Name)
			nameLock.Lock()
			placeholder := State{Name: config.Name, Status: StatusStopped}
			m.mapMu.Lock()
			m.servers[config.Name] = &slot{state: placeholder, config: config}
			m.mapMu.Unlock()
			m.emit(placeholder)
			nameLock.Unlock()
			results[config.Name] = nil
			continue
		}
		if _, err := m.Start(ctx, config); err != nil {
			results[config.Name] = err
			continue
		}
		results[config.Name] = nil
	}
	return results
}

// StopAll stops every currently tracked server concurrently; individual
// failures do not prevent the others from stopping.
func (m *Manager) StopAll(ctx context.Context) map[string]error {
	m.mapMu.Lock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mapMu.Unlock()

	results := make(map[string]error, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			err := m.Stop(ctx, name)
			mu.Lock()
			results[name] = err
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return results
}

// List returns a copy of every currently tracked server's state.
func (m *Manager) List() []State {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	out := make([]State, 0, len(m.servers))
	for _, s := range m.servers {
		out = append(out, s.state)
	}
	return out
}

// Get returns a copy of name's state.
func (m *Manager) Get(name string) (State, bool) {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	s, ok := m.servers[name]
	if !ok {
		return State{}, false
	}
	return s.state, true
}

// GetClient returns the live client for name, only when it is running.
func (m *Manager) GetClient(name string) (*mcpclient.Client, bool) {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()
	s, ok := m.servers[name]
	if !ok || s.state.Status != StatusRunning {
		return nil, false
	}
	return s.client, true
}
