// Package permission implements the server allowlist and per-tool rule
// evaluator that gate every tool invocation before it reaches a server.
package permission

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/golemhq/golem-mcp/manifest"
)

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	Reason  string
	Missing []string
}

// Guard evaluates the server allowlist and per-server tool rules. A nil
// allowlist (as opposed to an empty, non-nil one) means "no restriction",
// mirroring the teacher's "nil/empty allowlist permits everything"
// IP/CIDR shape, generalized from addresses to server names.
type Guard struct {
	allowlist map[string]struct{}
}

// New constructs a Guard. allowedServers == nil means every server name
// is permitted; a non-nil (possibly empty) slice restricts to exactly
// those names.
func New(allowedServers []string) *Guard {
	if allowedServers == nil {
		return &Guard{allowlist: nil}
	}
	set := make(map[string]struct{}, len(allowedServers))
	for _, name := range allowedServers {
		set[name] = struct{}{}
	}
	return &Guard{allowlist: set}
}

// IsServerAllowed reports whether name passes the server allowlist.
func (g *Guard) IsServerAllowed(name string) Decision {
	if g.allowlist == nil {
		return Decision{Allowed: true}
	}
	if _, ok := g.allowlist[name]; ok {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, Reason: fmt.Sprintf("server %q is not in the allowlist", name)}
}

// CheckTool evaluates rules against (toolName, requiredScopes) using the
// fixed precedence: exact match, then glob match, then catch-all "*".
// Within a precedence bucket the first rule in insertion order wins.
func CheckTool(rules []manifest.PermissionRule, toolName string, requiredScopes []string) Decision {
	if len(rules) == 0 {
		return Decision{Allowed: true}
	}

	rule, ok := matchRule(rules, toolName)
	if !ok {
		return Decision{Allowed: false, Reason: "no rule matched"}
	}

	if !rule.Allow {
		return Decision{Allowed: false, Reason: "explicitly denied"}
	}

	if len(requiredScopes) > 0 && len(rule.Scopes) > 0 {
		var missing []string
		granted := make(map[string]struct{}, len(rule.Scopes))
		for _, s := range rule.Scopes {
			granted[s] = struct{}{}
		}
		for _, s := range requiredScopes {
			if _, ok := granted[s]; !ok {
				missing = append(missing, s)
			}
		}
		if len(missing) > 0 {
			return Decision{Allowed: false, Reason: "missing required scopes", Missing: missing}
		}
	}

	return Decision{Allowed: true}
}

func matchRule(rules []manifest.PermissionRule, toolName string) (manifest.PermissionRule, bool) {
	for _, r := range rules {
		if r.Tool == toolName {
			return r, true
		}
	}
	for _, r := range rules {
		if strings.Contains(r.Tool, "*") && r.Tool != "*" {
			if matched, err := globMatch(r.Tool, toolName); err == nil && matched {
				return r, true
			}
		}
	}
	for _, r := range rules {
		if r.Tool == "*" {
			return r, true
		}
	}
	return manifest.PermissionRule{}, false
}

// globMatch matches name against pattern, where "*" stands for any run of
// characters and every other regex metacharacter is escaped literally.
func globMatch(pattern, name string) (bool, error) {
	var b strings.Builder
	b.WriteByte('^')
	for _, part := range strings.Split(pattern, "*") {
		b.WriteString(regexp.QuoteMeta(part))
		b.WriteString(".*")
	}
	expr := strings.TrimSuffix(b.String(), ".*") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return false, err
	}
	return re.MatchString(name), nil
}
