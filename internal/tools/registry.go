package tools

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// GroupPrefix marks a group reference inside allow/deny lists and
// profile specs, e.g. "group:memory".
const GroupPrefix = "group:"

// ProfileFull is the unrestricted profile: every registered tool.
const ProfileFull = "full"

// Profile is a preset tool selection: the union of the expanded include
// groups and the include tools, minus the exclude tools.
type Profile struct {
	IncludeGroups []string
	IncludeTools  []string
	ExcludeTools  []string
}

// defaultGroups maps short group names to their member tools. Members
// that are not registered simply resolve to nothing.
func defaultGroups() map[string][]string {
	return map[string][]string{
		"memory":   {"memory_write", "memory_search", "memory_get"},
		"robot":    {"robot_command", "robot_stop", "robot_status"},
		"fs":       {"read_file", "write_file", "list_files"},
		"runtime":  {"shell", "shell_jobs"},
		"sessions": {"sessions_list", "sessions_history", "sessions_spawn", "session_status"},
	}
}

// defaultProfiles defines the preset allow sets. "full" is the special
// empty profile meaning no restriction.
func defaultProfiles() map[string]Profile {
	return map[string]Profile{
		"minimal": {
			IncludeTools: []string{"session_status"},
		},
		"coding": {
			IncludeGroups: []string{"fs", "runtime", "memory", "sessions"},
		},
		"messaging": {
			IncludeTools: []string{"sessions_list", "sessions_history", "session_status"},
		},
		ProfileFull: {},
		"safe": {
			IncludeGroups: []string{"memory", "sessions"},
			IncludeTools:  []string{"read_file", "list_files"},
			ExcludeTools:  []string{"sessions_spawn"},
		},
		"readonly": {
			IncludeTools: []string{
				"memory_search", "memory_get", "read_file", "list_files",
				"sessions_list", "sessions_history", "session_status", "robot_status",
			},
		},
		"robot_basic": {
			IncludeGroups: []string{"robot", "memory"},
			IncludeTools:  []string{"session_status"},
		},
		"robot_full": {
			IncludeGroups: []string{"robot", "memory", "fs", "runtime", "sessions"},
		},
	}
}

// Registry maps tool names to tools and resolves group and profile
// references. Safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	tools    map[string]Tool
	groups   map[string][]string
	profiles map[string]Profile
}

// NewRegistry builds an empty registry seeded with the built-in groups
// and profiles.
func NewRegistry() *Registry {
	return &Registry{
		logger:   slog.Default().With("component", "tools"),
		tools:    make(map[string]Tool),
		groups:   defaultGroups(),
		profiles: defaultProfiles(),
	}
}

// Register adds a tool. The name must be unique and the handler non-nil.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Handler == nil {
		return fmt.Errorf("register tool %q: %w", t.Name, ErrInvalidTool)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("register tool %q: %w", t.Name, ErrDuplicateTool)
	}
	r.tools[t.Name] = t
	r.logger.Debug("tool registered", "tool", t.Name, "tags", strings.Join(t.Tags, ","))
	return nil
}

// Unregister removes a tool if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all registered tool names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Schemas returns function-calling definitions for the given tool
// names in the OpenAI tools shape. Empty names means every registered
// tool. Unknown names are skipped.
func (r *Registry) Schemas(names ...string) []map[string]any {
	if len(names) == 0 {
		names = r.Names()
	} else {
		names = append([]string(nil), names...)
		sort.Strings(names)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		schema := t.Schema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  schema,
			},
		})
	}
	return out
}

// RegisterGroup adds or replaces a tool group.
func (r *Registry) RegisterGroup(name string, members []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[name] = append([]string(nil), members...)
}

// GroupMembers returns the member names of a group, nil if unknown.
func (r *Registry) GroupMembers(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.groups[name]
	if members == nil {
		return nil
	}
	return append([]string(nil), members...)
}

// RegisterProfile adds or replaces a named profile.
func (r *Registry) RegisterProfile(name string, p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[name] = p
}

// Profiles returns the known profile names sorted.
func (r *Registry) Profiles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ResolveProfile expands a profile to the sorted set of registered tool
// names it allows: union(include_groups, include_tools) minus
// exclude_tools, filtered against what is actually registered. The
// empty name and "full" resolve to every registered tool.
func (r *Registry) ResolveProfile(name string) ([]string, error) {
	if name == "" || name == ProfileFull {
		return r.Names(), nil
	}
	r.mu.RLock()
	p, ok := r.profiles[name]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("profile %q: %w", name, ErrUnknownProfile)
	}
	included := make(map[string]bool)
	for _, g := range p.IncludeGroups {
		for _, m := range r.groups[g] {
			included[m] = true
		}
	}
	for _, t := range p.IncludeTools {
		included[t] = true
	}
	for _, t := range p.ExcludeTools {
		delete(included, t)
	}
	out := make([]string, 0, len(included))
	for tool := range r.tools {
		if included[tool] {
			out = append(out, tool)
		}
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}

// expandSpec expands a mixed list of tool names and "group:x" references
// into a name set. Plain names pass through whether registered or not;
// matching against the registry is the caller's concern.
func (r *Registry) expandSpec(spec []string) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	expanded := make(map[string]bool, len(spec))
	for _, s := range spec {
		if strings.HasPrefix(s, GroupPrefix) {
			for _, m := range r.groups[strings.TrimPrefix(s, GroupPrefix)] {
				expanded[m] = true
			}
			continue
		}
		expanded[s] = true
	}
	return expanded
}
