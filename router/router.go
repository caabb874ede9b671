// Package router resolves a qualified or unqualified tool name to a
// (server, tool) pair, enforces the permission guard, dispatches the call
// through the server manager, and records the outcome in the audit log.
// This mirrors the teacher's handleRPCWrapper/handleRPCDirect control flow
// (resolve, authorize, dispatch, record latency and outcome) retargeted
// from an HTTP request to a qualified tool name.
package router

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/golemhq/golem-mcp/audit"
	"github.com/golemhq/golem-mcp/golemlog"
	"github.com/golemhq/golem-mcp/manager"
	"github.com/golemhq/golem-mcp/manifest"
	"github.com/golemhq/golem-mcp/mcpclient"
	"github.com/golemhq/golem-mcp/permission"
	"github.com/golemhq/golem-mcp/telemetry"
)

// InvokeResult is the outcome of a successful (or tool-level-failed) call.
type InvokeResult struct {
	Server     string
	Tool       string
	Result     *mcpclient.CallToolResult
	DurationMS int64
}

// Options configures a Router.
type Options struct {
	Manager  *manager.Manager
	Manifest *manifest.Cache
	Guard    *permission.Guard
	Audit    *audit.Log
	Logger   *golemlog.Logger
	Tracer   trace.Tracer
	Metrics  *telemetry.Metrics
}

// Router is the tool router and security gate.
type Router struct {
	manager  *manager.Manager
	manifest *manifest.Cache
	guard    *permission.Guard
	audit    *audit.Log
	log      *golemlog.Logger
	tracer   trace.Tracer
	metrics  *telemetry.Metrics
}

// New constructs a Router. A nil Guard permits every server; a nil Audit
// disables recording (calls still dispatch, nothing is logged).
func New(opts Options) *Router {
	guard := opts.Guard
	if guard == nil {
		guard = permission.New(nil)
	}
	return &Router{
		manager:  opts.Manager,
		manifest: opts.Manifest,
		guard:    guard,
		audit:    opts.Audit,
		log:      opts.Logger,
		tracer:   opts.Tracer,
		metrics:  opts.Metrics,
	}
}

// resolve implements a two-strategy lookup: qualified names are split
// without verifying the server exists; unqualified names are resolved
// against the manifest's cached tool list. Unlike the unrestricted
// fallback spec.md describes (treat the whole unqualified name as a tool
// on the first running server), an unresolved unqualified name here fails
// with ToolNotFoundError — guessing a server for an unqualified name a
// caller didn't intend is the riskier failure mode.
func (r *Router) resolve(qualifiedName string) (manifest.ToolRef, error) {
	if idx := strings.IndexByte(qualifiedName, '.'); idx >= 0 {
		server, tool := qualifiedName[:idx], qualifiedName[idx+1:]
		return manifest.ToolRef{Server: server, Tool: manifest.ToolInfo{Name: tool}}, nil
	}

	if r.manifest != nil {
		if ref, ok := r.manifest.FindTool(qualifiedName); ok {
			return ref, nil
		}
	}

	return manifest.ToolRef{}, &ToolNotFoundError{Name: qualifiedName}
}

// Invoke resolves name, checks the server allowlist and per-tool rules,
// dispatches tools/call through the manager's live client for the
// resolved server, and records the outcome (or denial) in the audit log.
func (r *Router) Invoke(ctx context.Context, qualifiedName string, args any) (InvokeResult, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "router.invoke", trace.WithAttributes(
			attribute.String("tool", qualifiedName),
		))
		defer span.End()
	}

	ref, err := r.resolve(qualifiedName)
	if err != nil {
		return InvokeResult{}, err
	}
	server, tool := ref.Server, ref.Tool.Name

	if decision := r.guard.IsServerAllowed(server); !decision.Allowed {
		r.recordDenial(server, tool, decision.Reason)
		return InvokeResult{}, &PermissionDeniedError{Reason: decision.Reason}
	}

	var rules []manifest.PermissionRule
	if r.manifest != nil {
		if entry, ok := r.manifest.GetServer(server); ok {
			rules = entry.Config.Permissions
		}
	}
	if decision := permission.CheckTool(rules, tool, nil); !decision.Allowed {
		r.recordDenial(server, tool, decision.Reason)
		return InvokeResult{}, &PermissionDeniedError{Reason: decision.Reason}
	}

	if r.manager == nil {
		return InvokeResult{}, &ServerNotRunningError{Name: server}
	}
	client, ok := r.manager.GetClient(server)
	if !ok {
		return InvokeResult{}, &ServerNotRunningError{Name: server}
	}

	start := time.Now()
	result, callErr := client.CallTool(ctx, tool, args)
	duration := time.Since(start).Milliseconds()

	if callErr != nil {
		r.recordInvocation(server, tool, args, audit.ResultFailure, duration)
		if r.metrics != nil {
			r.metrics.Invocations.Add(ctx, 1, metric.WithAttributes(
				attribute.String("server", server), attribute.String("result", "error")))
			r.metrics.Latency.Record(ctx, duration, metric.WithAttributes(attribute.String("server", server)))
		}
		return InvokeResult{}, callErr
	}

	outcome := audit.ResultSuccess
	if result.IsError {
		outcome = audit.ResultFailure
	}
	r.recordInvocation(server, tool, args, outcome, duration)
	if r.metrics != nil {
		r.metrics.Invocations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("server", server), attribute.String("result", string(outcome))))
		r.metrics.Latency.Record(ctx, duration, metric.WithAttributes(attribute.String("server", server)))
	}

	return InvokeResult{Server: server, Tool: tool, Result: result, DurationMS: duration}, nil
}

func (r *Router) recordDenial(server, tool, reason string) {
	if r.audit != nil {
		r.audit.LogDenial(server, tool, reason)
	}
	if r.metrics != nil {
		r.metrics.PermDenials.Add(context.Background(), 1, metric.WithAttributes(attribute.String("server", server)))
	}
	if r.log != nil {
		r.log.Info("tool call denied", "server", server, "tool", tool, "reason", reason)
	}
}

func (r *Router) recordInvocation(server, tool string, args any, result audit.Result, durationMS int64) {
	if r.audit == nil {
		return
	}
	var argMap map[string]any
	if m, ok := args.(map[string]any); ok {
		argMap = m
	}
	d := durationMS
	r.audit.LogInvocation(server, tool, argMap, result, &d)
}

// ListAllTools lists tools on every running server, refreshing the
// manifest cache's tool list for each. A server whose listing fails is
// skipped silently; its previously cached tools are left untouched.
func (r *Router) ListAllTools(ctx context.Context) []manifest.ToolRef {
	if r.manager == nil {
		return nil
	}

	var out []manifest.ToolRef
	for _, state := range r.manager.List() {
		if state.Status != manager.StatusRunning {
			continue
		}
		client, ok := r.manager.GetClient(state.Name)
		if !ok {
			continue
		}

		tools, err := client.ListTools(ctx, "")
		if err != nil {
			if r.log != nil {
				r.log.Warn("listAllTools: listing failed", "server", state.Name, "error", err.Error())
			}
			continue
		}

		infos := make([]manifest.ToolInfo, len(tools))
		for i, t := range tools {
			infos[i] = manifest.ToolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
			out = append(out, manifest.ToolRef{Server: state.Name, Tool: infos[i]})
		}

		if r.manifest != nil {
			if err := r.manifest.UpdateTools(state.Name, infos); err != nil && r.log != nil {
				r.log.Warn("listAllTools: manifest update failed", "server", state.Name, "error", err.Error())
			}
		}
	}
	return out
}
