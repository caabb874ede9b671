package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/golemhq/golem-mcp/golemlog"
	"github.com/golemhq/golem-mcp/manifest"
)

func main() {
	configPath := pflag.String("config", "~/.golem/mcp-config.json", "path to the server-config file")
	manifestPath := pflag.String("manifest", "", "override the manifest path from the config file")
	logLevel := pflag.String("log-level", "info", "minimum level logged to stderr (unused levels are still emitted; kept for CLI parity)")
	pflag.Parse()

	_ = *logLevel // golemlog has no level filter yet; flag is accepted for forward compatibility

	args := pflag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Error: a subcommand is required (add, remove, start, stop, restart, list, tools, call, audit)")
		os.Exit(1)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *manifestPath != "" {
		cfg.ManifestPath = *manifestPath
	}

	ctx := context.Background()
	logger := golemlog.New(os.Stderr)

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer app.Shutdown(ctx)

	if err := dispatch(ctx, app, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, app *App, cmd string, rest []string) error {
	switch cmd {
	case "add":
		return cmdAdd(app, rest)
	case "remove":
		return cmdRemove(ctx, app, rest)
	case "start":
		return cmdStart(ctx, app, rest)
	case "stop":
		return cmdStop(ctx, app, rest)
	case "restart":
		return cmdRestart(ctx, app, rest)
	case "list", "ls":
		return cmdList(app)
	case "tools":
		return cmdTools(ctx, app, rest)
	case "call":
		return cmdCall(ctx, app, rest)
	case "audit":
		return cmdAudit(app, rest)
	default:
		return fmt.Errorf("unknown subcommand %q", cmd)
	}
}

func cmdAdd(app *App, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: add <json-server-config>")
	}
	var sc manifest.ServerConfig
	if err := json.Unmarshal([]byte(args[0]), &sc); err != nil {
		return fmt.Errorf("invalid server config JSON: %w", err)
	}
	if sc.Name == "" || sc.Command == "" {
		return fmt.Errorf("server config requires name and command")
	}
	return app.Add(sc)
}

func cmdRemove(ctx context.Context, app *App, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: remove <name>")
	}
	return app.Remove(ctx, args[0])
}

func cmdStart(ctx context.Context, app *App, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: start <name>")
	}
	state, err := app.Start(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s (pid %d, %d tools)\n", state.Name, state.Status, state.Pid, state.ToolCount)
	return nil
}

func cmdStop(ctx context.Context, app *App, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: stop <name>")
	}
	return app.Stop(ctx, args[0])
}

func cmdRestart(ctx context.Context, app *App, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: restart <name>")
	}
	state, err := app.Restart(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s (pid %d, %d tools)\n", state.Name, state.Status, state.Pid, state.ToolCount)
	return nil
}

func cmdList(app *App) error {
	for _, state := range app.List() {
		fmt.Printf("%-20s %-10s pid=%-8d tools=%d\n", state.Name, state.Status, state.Pid, state.ToolCount)
	}
	return nil
}

func cmdTools(ctx context.Context, app *App, args []string) error {
	var server string
	if len(args) > 0 {
		server = args[0]
	}
	for _, ref := range app.Tools(ctx, server) {
		fmt.Printf("%s.%s\t%s\n", ref.Server, ref.Tool.Name, ref.Tool.Description)
	}
	return nil
}

func cmdCall(ctx context.Context, app *App, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: call <tool> [json-args]")
	}
	var argsJSON string
	if len(args) > 1 {
		argsJSON = strings.Join(args[1:], " ")
	}
	result, err := app.Call(ctx, args[0], argsJSON)
	if err != nil {
		return err
	}
	fmt.Printf("%s.%s (%dms): %s\n", result.Server, result.Tool, result.DurationMS, string(result.Result.Content))
	return nil
}

func cmdAudit(app *App, args []string) error {
	var server string
	if len(args) > 0 {
		server = args[0]
	}
	for _, entry := range app.AuditEntries(server) {
		fmt.Printf("%s %-6s %-12s %-10s %s\n", entry.Timestamp.Format("2006-01-02T15:04:05Z"), entry.Action, entry.Server, entry.Tool, entry.Reason)
	}
	return nil
}
