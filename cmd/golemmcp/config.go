package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golemhq/golem-mcp/manifest"
)

// Config is the on-disk server-config file's schema: {"servers": [...]}.
// A file with no servers array is rejected, the same shape loadConfig
// used for the teacher's gateway config.
type Config struct {
	Servers        []manifest.ServerConfig `json:"servers"`
	ManifestPath   string                  `json:"manifestPath,omitempty"`
	AllowedServers []string                `json:"allowedServers,omitempty"`
	SecretPrefix   string                  `json:"secretPrefix,omitempty"`
	PolicyFile     string                  `json:"policyFile,omitempty"`
	AuditCapacity  int                     `json:"auditCapacity,omitempty"`
}

// LoadConfig reads and validates the server-config file at path,
// expanding a leading "~" the way the teacher's expandPath does, and
// applying the transport/autoStart defaults spec.md §6 names.
func LoadConfig(path string) (*Config, error) {
	expanded, err := expandPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", expanded, err)
	}

	var raw struct {
		Servers        []json.RawMessage `json:"servers"`
		ManifestPath   string            `json:"manifestPath,omitempty"`
		AllowedServers []string          `json:"allowedServers,omitempty"`
		SecretPrefix   string            `json:"secretPrefix,omitempty"`
		PolicyFile     string            `json:"policyFile,omitempty"`
		AuditCapacity  int               `json:"auditCapacity,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", expanded, err)
	}
	if raw.Servers == nil {
		return nil, fmt.Errorf("config %s: %w", expanded, errors.New("servers array is required"))
	}

	cfg := &Config{
		ManifestPath:   raw.ManifestPath,
		AllowedServers: raw.AllowedServers,
		SecretPrefix:   raw.SecretPrefix,
		PolicyFile:     raw.PolicyFile,
		AuditCapacity:  raw.AuditCapacity,
	}

	for _, item := range raw.Servers {
		var sc manifest.ServerConfig
		if err := json.Unmarshal(item, &sc); err != nil {
			return nil, fmt.Errorf("config %s: invalid server entry: %w", expanded, err)
		}
		if sc.Name == "" {
			return nil, fmt.Errorf("config %s: server name is required", expanded)
		}
		if sc.Command == "" {
			return nil, fmt.Errorf("config %s: command is required for server %q", expanded, sc.Name)
		}
		if sc.Transport == "" {
			sc.Transport = "stdio"
		}
		cfg.Servers = append(cfg.Servers, sc)
	}

	if cfg.ManifestPath == "" {
		cfg.ManifestPath = manifest.DefaultPath
	}

	return cfg, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
	}
	return path, nil
}
