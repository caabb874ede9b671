package permission

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/golemhq/golem-mcp/manifest"
)

// Rule is the same rule shape spec.md defines for ServerConfig.Permissions;
// this alias lets a policy file produce values a server config already
// accepts, without introducing a second rule type.
type Rule = manifest.PermissionRule

// ruleSpec is the YAML-friendly shorthand form: allow/deny lists of bare
// tool patterns, plus an escape hatch for fully specified rules (with
// scopes) via the rules key.
type ruleSpec struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
	Rules []Rule   `yaml:"rules"`
}

type policyFile struct {
	Servers map[string]ruleSpec `yaml:"servers"`
}

// LoadPolicyFile parses a YAML permission-policy document and returns the
// rule list for every server it names, letting an operator maintain
// permission rules outside the JSON server-config file.
func LoadPolicyFile(path string) (map[string][]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("permission: read policy file: %w", err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("permission: parse policy file: %w", err)
	}

	out := make(map[string][]Rule, len(pf.Servers))
	for name, spec := range pf.Servers {
		var rules []Rule
		for _, tool := range spec.Allow {
			rules = append(rules, Rule{Tool: tool, Allow: true})
		}
		for _, tool := range spec.Deny {
			rules = append(rules, Rule{Tool: tool, Allow: false})
		}
		rules = append(rules, spec.Rules...)
		out[name] = rules
	}
	return out, nil
}
