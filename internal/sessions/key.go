// Package sessions — session key builder and parser.
//
// Session keys follow the canonical format:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the session type:
//
//	Main:     main
//	Subagent: subagent:{uuid}
//
// Examples:
//
//	agent:robot:main
//	agent:robot:subagent:6f1c9a2e-8b1f-4f6e-9a7d-3d2f1c0b9a8e
package sessions

import (
	"fmt"
	"strings"
)

// MainSessionName is the {rest} part of an agent's primary session key.
const MainSessionName = "main"

// BuildMainKey builds the shared primary session key for an agent.
//
//	agent:{agentId}:main
func BuildMainKey(agentID string) string {
	return fmt.Sprintf("agent:%s:%s", agentID, MainSessionName)
}

// BuildSubagentKey builds the session key for a spawned sub-agent.
//
//	agent:{agentId}:subagent:{label}
func BuildSubagentKey(agentID, label string) string {
	return fmt.Sprintf("agent:%s:subagent:%s", agentID, label)
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// AgentIDFromKey returns the agent id embedded in a session key, or ""
// when the key is not canonical.
func AgentIDFromKey(key string) string {
	agentID, _ := ParseSessionKey(key)
	return agentID
}

// IsSubagentKey checks if a session key indicates a sub-agent session.
func IsSubagentKey(key string) bool {
	_, rest := ParseSessionKey(key)
	return strings.HasPrefix(strings.ToLower(rest), "subagent:")
}
