// Package agents loads agent definitions from Markdown files.
//
// An agent file is a Markdown document with a frontmatter block followed by
// the agent's instructions. YAML frontmatter is fenced by "---" lines and
// TOML frontmatter by "+++" lines:
//
//	---
//	name: research-agent
//	description: Gathers codebase context
//	model: claude-sonnet-4
//	tools: [Read, Glob, Grep]
//	triggers: [phase:research]
//	---
//
//	# Instructions
//	...
//
// Definitions are loaded once at startup into a closed Registry and are
// read-only afterwards.
package agents

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultModel is used when a definition does not name one.
const DefaultModel = "claude-sonnet-4"

// Triggers understood by the orchestrator.
const (
	TriggerResearch       = "phase:research"
	TriggerPlanning       = "phase:planning"
	TriggerImplementation = "phase:implementation"
	TriggerOverwatch      = "overwatch:implementation"
	TriggerAfterImpl      = "after:implementation"
)

// ErrNoFrontmatter is returned for files without a frontmatter block.
var ErrNoFrontmatter = errors.New("missing frontmatter")

// Definition describes one agent.
type Definition struct {
	Name         string   `yaml:"name" toml:"name" json:"name"`
	Description  string   `yaml:"description" toml:"description" json:"description"`
	Model        string   `yaml:"model" toml:"model" json:"model"`
	Tools        []string `yaml:"tools" toml:"tools" json:"tools"`
	Triggers     []string `yaml:"triggers" toml:"triggers" json:"triggers"`
	Instructions string   `yaml:"-" toml:"-" json:"-"`
	Source       string   `yaml:"-" toml:"-" json:"source"`
}

// HasTool reports whether the agent may use the named tool.
func (d *Definition) HasTool(name string) bool {
	for _, t := range d.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// HasTrigger reports whether the agent responds to trigger.
func (d *Definition) HasTrigger(trigger string) bool {
	for _, t := range d.Triggers {
		if t == trigger {
			return true
		}
	}
	return false
}

// Parse reads an agent definition. source names the file for error
// messages and is recorded on the Definition.
func Parse(source string, content []byte) (*Definition, error) {
	fence, header, body, ok := splitFrontmatter(string(content))
	if !ok {
		return nil, fmt.Errorf("%s: %w", source, ErrNoFrontmatter)
	}

	var def Definition
	switch fence {
	case "---":
		if err := yaml.Unmarshal([]byte(header), &def); err != nil {
			return nil, fmt.Errorf("%s: parse yaml frontmatter: %w", source, err)
		}
	case "+++":
		if _, err := toml.Decode(header, &def); err != nil {
			return nil, fmt.Errorf("%s: parse toml frontmatter: %w", source, err)
		}
	}

	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return nil, fmt.Errorf("%s: name is required", source)
	}
	if def.Model == "" {
		def.Model = DefaultModel
	}
	def.Instructions = strings.TrimSpace(body)
	if def.Instructions == "" {
		return nil, fmt.Errorf("%s: agent %s has no instructions", source, def.Name)
	}
	def.Source = source
	return &def, nil
}

// splitFrontmatter returns the fence, the frontmatter and the remainder.
// The fence must be the first line and be closed by the same fence.
func splitFrontmatter(content string) (fence, header, body string, ok bool) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return "", "", "", false
	}
	fence = strings.TrimSpace(scanner.Text())
	if fence != "---" && fence != "+++" {
		return "", "", "", false
	}

	var head, rest []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if !closed {
			if strings.TrimSpace(line) == fence {
				closed = true
				continue
			}
			head = append(head, line)
			continue
		}
		rest = append(rest, line)
	}
	if !closed {
		return "", "", "", false
	}
	return fence, strings.Join(head, "\n"), strings.Join(rest, "\n"), true
}
