package agents

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

//go:embed defaults/*.md
var defaultFS embed.FS

// ErrAgentNotFound is returned for unknown agent names.
var ErrAgentNotFound = errors.New("agent not found")

// Registry is the closed set of agents available to the orchestrator.
// Replace swaps the whole set at once; readers never see a partial set.
type Registry struct {
	known map[string]bool

	mu     sync.RWMutex
	byName map[string]*Definition
	names  []string
}

// LoadDefaults parses the built-in agent set.
func LoadDefaults() ([]*Definition, error) {
	sub, err := fs.Sub(defaultFS, "defaults")
	if err != nil {
		return nil, err
	}
	return loadFS(sub, "defaults", []string{"*.md"})
}

// LoadDir parses agent files under dir. Both plugin layouts are accepted:
// <dir>/*.md and <dir>/**/agents/*.md.
func LoadDir(dir string) ([]*Definition, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("agents dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("agents dir %s is not a directory", dir)
	}
	return loadFS(os.DirFS(dir), dir, []string{"*.md", "**/agents/*.md"})
}

func loadFS(fsys fs.FS, root string, patterns []string) ([]*Definition, error) {
	seen := make(map[string]bool)
	var defs []*Definition
	var errs []error
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		sort.Strings(matches)
		for _, path := range matches {
			if seen[path] {
				continue
			}
			seen[path] = true
			content, err := fs.ReadFile(fsys, path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			def, err := Parse(root+"/"+path, content)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			defs = append(defs, def)
		}
	}
	return defs, errors.Join(errs...)
}

// NewRegistry validates defs and builds the registry. Later definitions
// replace earlier ones with the same name, so directory agents can
// override defaults. Every tool an agent names must be in knownTools.
func NewRegistry(defs []*Definition, knownTools []string) (*Registry, error) {
	r := &Registry{known: make(map[string]bool, len(knownTools))}
	for _, t := range knownTools {
		r.known[t] = true
	}
	if err := r.Replace(defs); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace validates defs and swaps them in. On error the current set is
// kept.
func (r *Registry) Replace(defs []*Definition) error {
	byName := make(map[string]*Definition, len(defs))
	var errs []error
	for _, def := range defs {
		for _, tool := range def.Tools {
			if !r.known[tool] {
				errs = append(errs, fmt.Errorf("agent %s (%s): unknown tool %q", def.Name, def.Source, tool))
			}
		}
		byName[def.Name] = def
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	r.mu.Lock()
	r.byName, r.names = byName, names
	r.mu.Unlock()
	return nil
}

// Get returns the named agent.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return def, nil
}

// List returns every agent sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.byName[n])
	}
	return out
}

// ForTrigger returns the agents listening on trigger, sorted by name.
func (r *Registry) ForTrigger(trigger string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Definition
	for _, n := range r.names {
		if r.byName[n].HasTrigger(trigger) {
			out = append(out, r.byName[n])
		}
	}
	return out
}

// Primary returns the single agent for a phase trigger.
func (r *Registry) Primary(trigger string) (*Definition, error) {
	defs := r.ForTrigger(trigger)
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: no agent for trigger %s", ErrAgentNotFound, trigger)
	}
	return defs[0], nil
}
