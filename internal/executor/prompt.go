package executor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/orbitd/internal/tools"
)

// systemPrompt is the agent's instructions followed by an execution
// context section.
func systemPrompt(run Run, allowed []tools.Tool) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(run.Agent.Instructions))
	b.WriteString("\n\n## Execution Context\n\n")
	fmt.Fprintf(&b, "- **Project ID:** %s\n", run.ProjectID)
	fmt.Fprintf(&b, "- **Phase:** %s\n", run.Phase)
	if run.Workspace != nil {
		fmt.Fprintf(&b, "- **Workspace Path:** %s\n", run.Workspace.Path)
	}
	names := make([]string, 0, len(allowed))
	for _, t := range allowed {
		names = append(names, t.Name())
	}
	if len(names) > 0 {
		fmt.Fprintf(&b, "- **Tools:** %s\n", strings.Join(names, ", "))
	} else {
		b.WriteString("- **Tools:** none\n")
	}
	return b.String()
}

// initialMessage renders inputs as Markdown sections in key order.
func initialMessage(inputs map[string]any) string {
	var b strings.Builder
	b.WriteString("Begin your work.\n")

	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", heading(k), renderValue(inputs[k]))
	}

	b.WriteString("\nFollow your instructions systematically. Use the tools available to you.")
	return b.String()
}

func heading(key string) string {
	words := strings.Fields(strings.NewReplacer("_", " ", "-", " ").Replace(key))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func renderValue(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case fmt.Stringer:
		return val.String()
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
