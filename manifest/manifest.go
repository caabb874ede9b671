// Package manifest maintains the in-memory registry of known servers,
// their configs, capabilities, and last-discovered tool/resource/prompt
// sets, mirrored to a JSON file on disk.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultPath is the manifest file location relative to the working
// directory when the caller does not specify one.
const DefaultPath = ".golem/mcp-manifest.json"

// ManifestVersion is written into every saved manifest file.
const ManifestVersion = "1.0"

// PermissionRule is a single tool allow/deny rule attached to a server
// config.
type PermissionRule struct {
	Tool   string   `json:"tool"`
	Allow  bool     `json:"allow"`
	Scopes []string `json:"scopes,omitempty"`
}

// ServerConfig is the user-provided, persisted description of one server.
type ServerConfig struct {
	Name        string            `json:"name"`
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Transport   string            `json:"transport"`
	AutoStart   *bool             `json:"autoStart,omitempty"`
	Permissions []PermissionRule  `json:"permissions,omitempty"`
}

// AutoStartOrDefault returns the configured AutoStart, defaulting to true
// when unset.
func (c ServerConfig) AutoStartOrDefault() bool {
	if c.AutoStart == nil {
		return true
	}
	return *c.AutoStart
}

// Entry is the persisted per-server record: its config, last-known
// capabilities, and cached discovery results.
type Entry struct {
	Config         ServerConfig    `json:"config"`
	Capabilities   json.RawMessage `json:"capabilities,omitempty"`
	Tools          []ToolInfo      `json:"tools,omitempty"`
	Resources      json.RawMessage `json:"resources,omitempty"`
	Prompts        json.RawMessage `json:"prompts,omitempty"`
	LastDiscovered time.Time       `json:"lastDiscovered"`
}

// ToolInfo is the cached, minimal shape of a discovered tool: enough for
// router resolution without pinning to the full mcpclient.Tool type.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// onDiskEntry mirrors Entry but serializes LastDiscovered as RFC3339Nano,
// per the Open Question decision recorded for manifest persistence.
type onDiskEntry struct {
	Config         ServerConfig    `json:"config"`
	Capabilities   json.RawMessage `json:"capabilities,omitempty"`
	Tools          []ToolInfo      `json:"tools,omitempty"`
	Resources      json.RawMessage `json:"resources,omitempty"`
	Prompts        json.RawMessage `json:"prompts,omitempty"`
	LastDiscovered string          `json:"lastDiscovered,omitempty"`
}

type onDiskManifest struct {
	Version string                 `json:"version"`
	Servers map[string]onDiskEntry `json:"servers"`
}

// Cache is the in-memory, name-keyed manifest registry with an optional
// JSON mirror on disk.
type Cache struct {
	mu      sync.RWMutex
	path    string
	entries map[string]*Entry
	order   []string
}

// New constructs an empty Cache backed by path (DefaultPath if empty).
func New(path string) *Cache {
	if path == "" {
		path = DefaultPath
	}
	return &Cache{path: path, entries: make(map[string]*Entry)}
}

// Load reads the manifest file at c's path. A missing or malformed file
// is treated as an empty manifest rather than an error, per spec.
func (c *Cache) Load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			c.reset()
			return nil
		}
		c.reset()
		return nil
	}

	var onDisk onDiskManifest
	if err := json.Unmarshal(data, &onDisk); err != nil {
		c.reset()
		return nil
	}

	entries := make(map[string]*Entry, len(onDisk.Servers))
	order := make([]string, 0, len(onDisk.Servers))
	for name, de := range onDisk.Servers {
		e := &Entry{
			Config:       de.Config,
			Capabilities: de.Capabilities,
			Tools:        de.Tools,
			Resources:    de.Resources,
			Prompts:      de.Prompts,
		}
		if de.LastDiscovered != "" {
			if t, err := time.Parse(time.RFC3339Nano, de.LastDiscovered); err == nil {
				e.LastDiscovered = t
			}
		}
		entries[name] = e
		order = append(order, name)
	}
	sort.Strings(order)

	c.mu.Lock()
	c.entries = entries
	c.order = order
	c.mu.Unlock()
	return nil
}

func (c *Cache) reset() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.order = nil
	c.mu.Unlock()
}

// Save writes the full manifest to disk as pretty-printed JSON, creating
// parent directories as needed.
func (c *Cache) Save() error {
	c.mu.RLock()
	onDisk := onDiskManifest{Version: ManifestVersion, Servers: make(map[string]onDiskEntry, len(c.entries))}
	for name, e := range c.entries {
		de := onDiskEntry{
			Config:       e.Config,
			Capabilities: e.Capabilities,
			Tools:        e.Tools,
			Resources:    e.Resources,
			Prompts:      e.Prompts,
		}
		if !e.LastDiscovered.IsZero() {
			de.LastDiscovered = e.LastDiscovered.Format(time.RFC3339Nano)
		}
		onDisk.Servers[name] = de
	}
	c.mu.RUnlock()

	data, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal failed: %w", err)
	}

	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("manifest: create parent dir: %w", err)
		}
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("manifest: write failed: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("manifest: rename failed: %w", err)
	}
	return nil
}

// AddServer upserts config into the manifest, preserving any previously
// cached discovery results when only the config changes.
func (c *Cache) AddServer(config ServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[config.Name]; ok {
		e.Config = config
		return
	}
	c.entries[config.Name] = &Entry{Config: config}
	c.order = append(c.order, config.Name)
}

// RemoveServer deletes name's entry, reporting whether it existed.
func (c *Cache) RemoveServer(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[name]; !ok {
		return false
	}
	delete(c.entries, name)
	for i, n := range c.order {
		if n == name {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// ErrUnknownServer is returned by the update* methods when name has no
// manifest entry.
type ErrUnknownServer struct{ Name string }

func (e *ErrUnknownServer) Error() string {
	return fmt.Sprintf("manifest: unknown server %q", e.Name)
}

// UpdateCapabilities records the server's negotiated capabilities and
// bumps LastDiscovered.
func (c *Cache) UpdateCapabilities(name string, capabilities json.RawMessage) error {
	return c.update(name, func(e *Entry) { e.Capabilities = capabilities })
}

// UpdateTools records the server's discovered tool list and bumps
// LastDiscovered.
func (c *Cache) UpdateTools(name string, tools []ToolInfo) error {
	return c.update(name, func(e *Entry) { e.Tools = tools })
}

// UpdateResources records the server's discovered resource list and bumps
// LastDiscovered.
func (c *Cache) UpdateResources(name string, resources json.RawMessage) error {
	return c.update(name, func(e *Entry) { e.Resources = resources })
}

// UpdatePrompts records the server's discovered prompt list and bumps
// LastDiscovered.
func (c *Cache) UpdatePrompts(name string, prompts json.RawMessage) error {
	return c.update(name, func(e *Entry) { e.Prompts = prompts })
}

func (c *Cache) update(name string, mutate func(*Entry)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[name]
	if !ok {
		return &ErrUnknownServer{Name: name}
	}
	mutate(e)
	e.LastDiscovered = timeNow()
	return nil
}

// timeNow is a seam so tests could substitute a fixed clock; production
// always uses the real wall clock.
var timeNow = time.Now

// GetServer returns a copy of name's entry, or false if unknown.
func (c *Cache) GetServer(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ListServers returns every entry in insertion order.
func (c *Cache) ListServers() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, *c.entries[name])
	}
	return out
}

// ToolRef pairs a server name with one of its cached tools.
type ToolRef struct {
	Server string
	Tool   ToolInfo
}

// AllTools flattens every server's cached tool list into (server, tool)
// pairs, preserving per-server insertion order.
func (c *Cache) AllTools() []ToolRef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []ToolRef
	for _, name := range c.order {
		for _, tool := range c.entries[name].Tools {
			out = append(out, ToolRef{Server: name, Tool: tool})
		}
	}
	return out
}

// FindTool resolves a qualified ("server.tool") or unqualified ("tool")
// name. Qualified lookups split on the first '.'; unqualified lookups
// scan servers in insertion order and return the first match.
func (c *Cache) FindTool(name string) (ToolRef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		server, tool := name[:idx], name[idx+1:]
		e, ok := c.entries[server]
		if !ok {
			return ToolRef{}, false
		}
		for _, t := range e.Tools {
			if t.Name == tool {
				return ToolRef{Server: server, Tool: t}, true
			}
		}
		return ToolRef{}, false
	}

	for _, serverName := range c.order {
		for _, t := range c.entries[serverName].Tools {
			if t.Name == name {
				return ToolRef{Server: serverName, Tool: t}, true
			}
		}
	}
	return ToolRef{}, false
}
