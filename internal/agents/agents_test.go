package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orbitd/internal/logging"
)

var testTools = []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep", "Git", "TodoWrite", "AskUser"}

func TestParse_YAML(t *testing.T) {
	def, err := Parse("a.md", []byte("---\nname: research-agent\ndescription: d\ntools: [Read, Grep]\ntriggers: [phase:research]\n---\n\n# Do research\n"))
	require.NoError(t, err)

	assert.Equal(t, "research-agent", def.Name)
	assert.Equal(t, DefaultModel, def.Model)
	assert.Equal(t, []string{"Read", "Grep"}, def.Tools)
	assert.True(t, def.HasTrigger(TriggerResearch))
	assert.Equal(t, "# Do research", def.Instructions)
	assert.Equal(t, "a.md", def.Source)
}

func TestParse_TOML(t *testing.T) {
	def, err := Parse("b.md", []byte("+++\nname = \"security-agent\"\nmodel = \"claude-opus-4\"\ntools = [\"Read\"]\n+++\nAudit.\n"))
	require.NoError(t, err)

	assert.Equal(t, "security-agent", def.Name)
	assert.Equal(t, "claude-opus-4", def.Model)
	assert.True(t, def.HasTool("Read"))
	assert.False(t, def.HasTool("Bash"))
}

func TestParse_Errors(t *testing.T) {
	tests := map[string]string{
		"no frontmatter":  "# just markdown\n",
		"unclosed":        "---\nname: x\n",
		"missing name":    "---\ndescription: x\n---\nbody\n",
		"no instructions": "---\nname: x\n---\n\n",
		"bad yaml":        "---\nname: [unclosed\n---\nbody\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse("x.md", []byte(content))
			assert.Error(t, err)
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	defs, err := LoadDefaults()
	require.NoError(t, err)

	reg, err := NewRegistry(defs, testTools)
	require.NoError(t, err)

	for _, name := range []string{
		"research-agent", "planning-agent", "implementation-agent",
		"review-agent", "security-agent", "test-generation-agent", "documentation-agent",
	} {
		_, err := reg.Get(name)
		assert.NoError(t, err, name)
	}

	primary, err := reg.Primary(TriggerImplementation)
	require.NoError(t, err)
	assert.Equal(t, "implementation-agent", primary.Name)

	overwatchers := reg.ForTrigger(TriggerOverwatch)
	assert.Len(t, overwatchers, 3)

	docs := reg.ForTrigger(TriggerAfterImpl)
	require.Len(t, docs, 1)
	assert.Equal(t, "documentation-agent", docs[0].Name)
}

func TestNewRegistry_UnknownTool(t *testing.T) {
	defs := []*Definition{{Name: "x", Tools: []string{"Read", "Teleport"}, Instructions: "i"}}
	_, err := NewRegistry(defs, testTools)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Teleport")
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg, err := NewRegistry(nil, testTools)
	require.NoError(t, err)
	_, err = reg.Get("nope")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	_, err = reg.Primary(TriggerResearch)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestLoadDir_PluginLayout(t *testing.T) {
	dir := t.TempDir()
	pluginAgents := filepath.Join(dir, "plugins", "web", "agents")
	require.NoError(t, os.MkdirAll(pluginAgents, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginAgents, "ui.md"),
		[]byte("---\nname: ui-agent\ntools: [Read]\ntriggers: [overwatch:implementation]\n---\nCheck the UI.\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "top.md"),
		[]byte("---\nname: review-agent\ntools: [Read]\n---\nOverride.\n"), 0644))

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	defaults, err := LoadDefaults()
	require.NoError(t, err)
	reg, err := NewRegistry(append(defaults, defs...), testTools)
	require.NoError(t, err)

	review, err := reg.Get("review-agent")
	require.NoError(t, err)
	assert.Equal(t, "Override.", review.Instructions)

	_, err = reg.Get("ui-agent")
	assert.NoError(t, err)
}

func TestRegistry_ReplaceKeepsSetOnError(t *testing.T) {
	reg, err := NewRegistry([]*Definition{{Name: "a", Tools: []string{"Read"}}}, testTools)
	require.NoError(t, err)

	err = reg.Replace([]*Definition{{Name: "b", Tools: []string{"Teleport"}}})
	require.Error(t, err)
	_, err = reg.Get("a")
	assert.NoError(t, err)

	require.NoError(t, reg.Replace([]*Definition{{Name: "b", Tools: []string{"Bash"}}}))
	_, err = reg.Get("a")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.Len(t, reg.List(), 1)
}

func TestRegistry_Watch(t *testing.T) {
	dir := t.TempDir()
	defs, err := Load(dir)
	require.NoError(t, err)
	reg, err := NewRegistry(defs, testTools)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tl := logging.NewTestLogger()
	done := make(chan error, 1)
	go func() { done <- reg.Watch(ctx, dir, tl.Logger) }()
	require.Eventually(t, func() bool {
		return len(tl.Messages("watching agent definitions")) > 0
	}, 2*time.Second, 10*time.Millisecond)

	nested := filepath.Join(dir, "plugins", "web", "agents")
	require.NoError(t, os.MkdirAll(nested, 0755))
	require.Eventually(t, func() bool {
		return len(tl.Messages("agents reloaded")) > 0
	}, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(nested, "ui.md"),
		[]byte("---\nname: ui-agent\ntools: [Read]\n---\nCheck the UI.\n"), 0644))
	require.Eventually(t, func() bool {
		_, err := reg.Get("ui-agent")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.md"),
		[]byte("---\nname: bad-agent\ntools: [Teleport]\n---\nNo.\n"), 0644))
	require.Eventually(t, func() bool {
		return len(tl.Messages("agent reload rejected")) > 0
	}, 3*time.Second, 20*time.Millisecond)
	_, err = reg.Get("ui-agent")
	assert.NoError(t, err)
	_, err = reg.Get("bad-agent")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	cancel()
	assert.NoError(t, <-done)
}
