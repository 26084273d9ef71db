package tools

import (
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
)

// defaultSubagentDeny lists tools spawned sub-agents may never call,
// chiefly to stop nested spawning loops.
var defaultSubagentDeny = []string{
	"sessions_spawn", "sessions_list", "sessions_history", "session_status", "shell",
}

// AgentRule fully overrides the global allow/deny lists for one agent
// id. An empty Profile inherits the global profile.
type AgentRule struct {
	Profile string
	Allow   []string
	Deny    []string
}

// Decision is the outcome of one policy check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Policy decides which tools an agent may call. Deny entries beat allow
// entries; "*" matches everything; entries may be exact names, group
// references, or path.Match globs. A policy with no profile and no
// allow list permits everything not denied.
type Policy struct {
	registry *Registry
	logger   *slog.Logger
	denied   atomic.Int64

	mu           sync.RWMutex
	profile      string
	allow        []string
	deny         []string
	perAgent     map[string]AgentRule
	subagentDeny []string
}

// NewPolicy builds an allow-all policy over the registry with the
// default sub-agent deny list.
func NewPolicy(registry *Registry) *Policy {
	return &Policy{
		registry:     registry,
		logger:       slog.Default().With("component", "tools"),
		perAgent:     make(map[string]AgentRule),
		subagentDeny: append([]string(nil), defaultSubagentDeny...),
	}
}

// SetGlobal replaces the global profile and allow/deny lists.
func (p *Policy) SetGlobal(profile string, allow, deny []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profile = profile
	p.allow = append([]string(nil), allow...)
	p.deny = append([]string(nil), deny...)
}

// SetAgentRule installs a per-agent override. The rule replaces the
// global lists entirely for that agent.
func (p *Policy) SetAgentRule(agentID string, rule AgentRule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.perAgent[agentID] = rule
}

// SetSubagentDeny replaces the sub-agent deny list.
func (p *Policy) SetSubagentDeny(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subagentDeny = append([]string(nil), names...)
}

// Check decides whether the agent may call the tool. The zero agent id
// checks against the global rule only.
func (p *Policy) Check(toolName, agentID string) Decision {
	p.mu.RLock()
	profile, allow, deny := p.profile, p.allow, p.deny
	if agentID != "" {
		if rule, ok := p.perAgent[agentID]; ok {
			allow, deny = rule.Allow, rule.Deny
			if rule.Profile != "" {
				profile = rule.Profile
			}
		}
	}
	p.mu.RUnlock()

	if p.matches(toolName, deny) {
		return Decision{Reason: fmt.Sprintf("tool %q denied by policy", toolName)}
	}

	// Profile and allow list are additive: either grants access.
	// Without both, everything not denied is allowed.
	if profile == "" && len(allow) == 0 {
		return Decision{Allowed: true}
	}
	if profile != "" {
		set, err := p.registry.ResolveProfile(profile)
		if err != nil {
			p.logger.Warn("unknown tool profile, treating as full", "profile", profile)
			return Decision{Allowed: true}
		}
		for _, name := range set {
			if name == toolName {
				return Decision{Allowed: true}
			}
		}
	}
	if p.matches(toolName, allow) {
		return Decision{Allowed: true}
	}
	return Decision{Reason: fmt.Sprintf("tool %q not in the allowed set", toolName)}
}

// CheckSubagent is Check plus the sub-agent deny list.
func (p *Policy) CheckSubagent(toolName, agentID string) Decision {
	p.mu.RLock()
	denied := p.subagentDeny
	p.mu.RUnlock()
	for _, name := range denied {
		if name == toolName {
			return Decision{Reason: fmt.Sprintf("tool %q not available to sub-agents", toolName)}
		}
	}
	return p.Check(toolName, agentID)
}

// Denied returns how many calls this policy has rejected.
func (p *Policy) Denied() int64 { return p.denied.Load() }

// matches reports whether the tool matches any spec entry: "*", exact
// name, group reference, or glob.
func (p *Policy) matches(toolName string, spec []string) bool {
	for _, s := range spec {
		if s == "*" || s == toolName {
			return true
		}
		if strings.HasPrefix(s, GroupPrefix) {
			for _, m := range p.registry.GroupMembers(strings.TrimPrefix(s, GroupPrefix)) {
				if m == toolName {
					return true
				}
			}
			continue
		}
		if ok, err := path.Match(s, toolName); err == nil && ok {
			return true
		}
	}
	return false
}
