// Command golemmcp is the composition root that wires the transport,
// protocol, manifest, permission, secret, audit, manager, router,
// telemetry, and logging packages together, in the order the teacher's
// main/NewGateway build their HTTP gateway: load config, set up
// observability, construct, autostart, serve.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/golemhq/golem-mcp/audit"
	"github.com/golemhq/golem-mcp/golemlog"
	"github.com/golemhq/golem-mcp/manager"
	"github.com/golemhq/golem-mcp/manifest"
	"github.com/golemhq/golem-mcp/permission"
	"github.com/golemhq/golem-mcp/router"
	"github.com/golemhq/golem-mcp/secret"
	"github.com/golemhq/golem-mcp/telemetry"
)

// App is the core's public-API surface: every operation the CLI
// subcommands in spec.md §6 dispatch to (add/remove/start/stop/restart/
// list/tools/call/audit). The text-formatting/argument-parsing layer
// around these methods is the out-of-scope collaborator; App exposes
// exactly the data each subcommand needs to print.
type App struct {
	Config   *Config
	Manifest *manifest.Cache
	Guard    *permission.Guard
	Secrets  *secret.Provider
	Audit    *audit.Log
	Manager  *manager.Manager
	Router   *router.Router
	Log      *golemlog.Logger

	shutdownTracer telemetry.ShutdownFunc
	shutdownMeter  telemetry.ShutdownFunc
}

// NewApp wires every package together for cfg. An unset
// OTEL_EXPORTER_OTLP_ENDPOINT is not fatal: the app runs with a no-op
// tracer/meter, mirroring telemetry.Setup's design. Any other telemetry
// setup error is returned.
func NewApp(ctx context.Context, cfg *Config, logger *golemlog.Logger) (*App, error) {
	if logger == nil {
		logger = golemlog.New(os.Stderr)
	}

	tracer, meter, shutdownTracer, shutdownMeter, err := telemetry.Setup(ctx)
	if err != nil && err != telemetry.ErrEndpointNotConfigured {
		return nil, fmt.Errorf("telemetry setup: %w", err)
	}

	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("telemetry metrics: %w", err)
	}

	manifestCache := manifest.New(cfg.ManifestPath)
	if err := manifestCache.Load(); err != nil {
		logger.Warn("manifest load failed", "path", cfg.ManifestPath, "error", err.Error())
	}
	for _, sc := range cfg.Servers {
		manifestCache.AddServer(sc)
	}

	guard := permission.New(cfg.AllowedServers)

	if cfg.PolicyFile != "" {
		policies, err := permission.LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("load policy file: %w", err)
		}
		for name, rules := range policies {
			if entry, ok := manifestCache.GetServer(name); ok {
				entry.Config.Permissions = rules
				manifestCache.AddServer(entry.Config)
			}
		}
	}

	secretPrefix := cfg.SecretPrefix
	if secretPrefix == "" {
		secretPrefix = secret.DefaultPrefix
	}
	secrets := secret.New()
	secrets.LoadFromEnv(secretPrefix)

	auditLog := audit.New(cfg.AuditCapacity)

	mgr := manager.New(manager.Options{
		BuildEnv: secrets.BuildEnv,
		Logger:   logger,
		Tracer:   tracer,
		Metrics:  metrics,
	})

	r := router.New(router.Options{
		Manager:  mgr,
		Manifest: manifestCache,
		Guard:    guard,
		Audit:    auditLog,
		Logger:   logger,
		Tracer:   tracer,
		Metrics:  metrics,
	})

	return &App{
		Config:         cfg,
		Manifest:       manifestCache,
		Guard:          guard,
		Secrets:        secrets,
		Audit:          auditLog,
		Manager:        mgr,
		Router:         r,
		Log:            logger,
		shutdownTracer: shutdownTracer,
		shutdownMeter:  shutdownMeter,
	}, nil
}

// Shutdown flushes telemetry exporters. Safe to call even when telemetry
// setup fell back to the no-op pipeline.
func (a *App) Shutdown(ctx context.Context) {
	if a.shutdownTracer != nil {
		_ = a.shutdownTracer(ctx)
	}
	if a.shutdownMeter != nil {
		_ = a.shutdownMeter(ctx)
	}
}

// AutoStart starts every configured server whose AutoStart is not
// explicitly false, mirroring the teacher's startAutostartServers.
func (a *App) AutoStart(ctx context.Context) map[string]error {
	return a.Manager.StartAll(ctx, a.Config.Servers)
}

// Add registers a new server config in the manifest cache and persists
// it, without starting it. The "add" CLI subcommand.
func (a *App) Add(config manifest.ServerConfig) error {
	a.Manifest.AddServer(config)
	return a.Manifest.Save()
}

// Remove stops name if running and removes it from the manifest. The
// "remove" CLI subcommand.
func (a *App) Remove(ctx context.Context, name string) error {
	if _, ok := a.Manager.Get(name); ok {
		if err := a.Manager.Stop(ctx, name); err != nil {
			if _, notFound := err.(*manager.NotFoundError); !notFound {
				return err
			}
		}
	}
	a.Manifest.RemoveServer(name)
	return a.Manifest.Save()
}

// Start starts name using its manifest-registered config. The "start"
// CLI subcommand.
func (a *App) Start(ctx context.Context, name string) (manager.State, error) {
	entry, ok := a.Manifest.GetServer(name)
	if !ok {
		return manager.State{}, &manifest.ErrUnknownServer{Name: name}
	}
	return a.Manager.Start(ctx, entry.Config)
}

// Stop stops name. The "stop" CLI subcommand.
func (a *App) Stop(ctx context.Context, name string) error {
	return a.Manager.Stop(ctx, name)
}

// Restart restarts name. The "restart" CLI subcommand.
func (a *App) Restart(ctx context.Context, name string) (manager.State, error) {
	return a.Manager.Restart(ctx, name)
}

// List returns every tracked server's current state. The "list"/"ls"
// CLI subcommand.
func (a *App) List() []manager.State {
	return a.Manager.List()
}

// Tools lists tools, refreshing the manifest cache, and optionally
// filters to a single server. The "tools [server]" CLI subcommand.
func (a *App) Tools(ctx context.Context, server string) []manifest.ToolRef {
	all := a.Router.ListAllTools(ctx)
	if server == "" {
		return all
	}
	var filtered []manifest.ToolRef
	for _, ref := range all {
		if ref.Server == server {
			filtered = append(filtered, ref)
		}
	}
	return filtered
}

// Call invokes a qualified or unqualified tool name with JSON-decoded
// args. The "call <tool> [json]" CLI subcommand.
func (a *App) Call(ctx context.Context, qualifiedName string, argsJSON string) (router.InvokeResult, error) {
	var args any
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return router.InvokeResult{}, fmt.Errorf("invalid JSON arguments: %w", err)
		}
	}
	return a.Router.Invoke(ctx, qualifiedName, args)
}

// AuditEntries returns recent audit entries, optionally filtered to a
// single server. The "audit [server]" CLI subcommand.
func (a *App) AuditEntries(server string) []audit.Entry {
	if server != "" {
		return a.Audit.ForServer(server)
	}
	return a.Audit.Recent(audit.DefaultRecentCount)
}
