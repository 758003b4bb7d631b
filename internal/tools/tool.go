// Package tools implements the capabilities agents can invoke.
//
// Every tool has a name, a description, an input schema and an Execute
// method. The Registry is the single invocation path: it rejects unknown
// tools, checks required arguments and wraps failures in *ExecutionError so
// the loop can report them to the model as error results.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Builtin tool names.
const (
	NameRead      = "Read"
	NameWrite     = "Write"
	NameEdit      = "Edit"
	NameBash      = "Bash"
	NameGlob      = "Glob"
	NameGrep      = "Grep"
	NameGit       = "Git"
	NameTodoWrite = "TodoWrite"
	NameAskUser   = "AskUser"
)

// maxOutput bounds tool output returned to the model.
const maxOutput = 30000

// Env identifies who is calling a tool and where.
type Env struct {
	ProjectID string
	TaskID    string
	// Workspace is the directory file and shell tools are confined to.
	Workspace string
}

// Args are decoded tool arguments.
type Args map[string]any

// String returns the string argument key, or "".
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Int returns the numeric argument key, or def.
func (a Args) Int(key string, def int) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}

// Bool returns the boolean argument key.
func (a Args) Bool(key string) bool {
	b, _ := a[key].(bool)
	return b
}

// Property is one JSON schema property.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
	// ItemProperties describes object items of an array.
	ItemProperties map[string]Property `json:"-"`
}

// Schema is a tool's input schema.
type Schema struct {
	Properties map[string]Property
	Required   []string
}

// JSON renders the schema's properties as a JSON schema object map.
func (s Schema) JSON() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		props[name] = p.json()
	}
	return props
}

func (p Property) json() map[string]any {
	out := map[string]any{"type": p.Type}
	if p.Description != "" {
		out["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		out["enum"] = p.Enum
	}
	if p.Items != nil {
		item := p.Items.json()
		if len(p.Items.ItemProperties) > 0 {
			nested := make(map[string]any, len(p.Items.ItemProperties))
			for name, ip := range p.Items.ItemProperties {
				nested[name] = ip.json()
			}
			item["properties"] = nested
		}
		out["items"] = item
	}
	return out
}

// Tool is a named capability.
type Tool interface {
	Name() string
	Description() string
	Schema() Schema
	Execute(ctx context.Context, env Env, args Args) (string, error)
}

// ErrUnknownTool is returned for names not in the registry.
var ErrUnknownTool = errors.New("unknown tool")

// ExecutionError reports a failed tool call. Its message is returned to
// the model as an error tool result.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func execErr(tool string, format string, args ...any) error {
	return &ExecutionError{Tool: tool, Err: fmt.Errorf(format, args...)}
}

// Registry holds the available tools.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry registers tools. Duplicate names are an error.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool.
func (r *Registry) Register(t Tool) error {
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %s already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Allowed returns the registered tools among names, in the order given.
func (r *Registry) Allowed(names []string) []Tool {
	out := make([]Tool, 0, len(names))
	for _, n := range names {
		if t, ok := r.tools[n]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Execute validates args and runs the named tool. Every failure is an
// *ExecutionError.
func (r *Registry) Execute(ctx context.Context, env Env, name string, args Args) (string, error) {
	t, ok := r.tools[name]
	if !ok {
		return "", &ExecutionError{Tool: name, Err: ErrUnknownTool}
	}
	if args == nil {
		args = Args{}
	}
	var missing []string
	for _, req := range t.Schema().Required {
		if v, ok := args[req]; !ok || v == nil {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return "", execErr(name, "missing required arguments: %s", strings.Join(missing, ", "))
	}

	out, err := t.Execute(ctx, env, args)
	if err != nil {
		var ee *ExecutionError
		if errors.As(err, &ee) {
			return out, err
		}
		return out, &ExecutionError{Tool: name, Err: err}
	}
	return truncate(out), nil
}

// truncate cuts s to at most maxOutput bytes on a rune boundary.
func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	cut := maxOutput
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... (output truncated)"
}
