// Package secret maintains an environment-sourced secret store and builds
// per-server environment overlays from it.
package secret

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/golemhq/golem-mcp/manifest"
)

// DefaultPrefix is the environment variable prefix LoadFromEnv scans for
// when the caller does not specify one.
const DefaultPrefix = "GOLEM_MCP_"

// Provider holds name -> value secrets sourced from the environment.
type Provider struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// New constructs an empty Provider.
func New() *Provider {
	return &Provider{secrets: make(map[string]string)}
}

// LoadFromEnv scans os.Environ for every variable whose name starts with
// prefix (DefaultPrefix if empty), storing the suffix as the secret name.
func (p *Provider) LoadFromEnv(prefix string) {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		name := strings.TrimPrefix(key, prefix)
		p.secrets[name] = value
	}
}

// BuildEnv returns config's Env map overlaid with every stored secret
// whose name begins with upper(serverName, non-alnum->'_') + "_" (each
// such secret is exposed under the remainder of its name), as
// "KEY=VALUE" pairs merged over os.Environ() the way the teacher's
// ManagedServer.Start builds cmd.Env. Secrets are appended after
// config.Env, so a secret wins over a config entry with the same key.
// The store is never mutated.
func (p *Provider) BuildEnv(serverName string, config manifest.ServerConfig) []string {
	serverPrefix := serverSecretPrefix(serverName)

	p.mu.RLock()
	overlay := make(map[string]string)
	for name, value := range p.secrets {
		if strings.HasPrefix(name, serverPrefix) {
			overlay[strings.TrimPrefix(name, serverPrefix)] = value
		}
	}
	p.mu.RUnlock()

	env := os.Environ()
	for key, value := range config.Env {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	for key, value := range overlay {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return env
}

// serverSecretPrefix upper-cases serverName and replaces every non
// alphanumeric character with '_', then appends a trailing '_'.
func serverSecretPrefix(serverName string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(serverName) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteByte('_')
	return b.String()
}
