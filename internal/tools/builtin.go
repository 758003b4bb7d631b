package tools

import (
	"github.com/fyrsmithlabs/orbitd/internal/events"
	"github.com/fyrsmithlabs/orbitd/internal/store"
)

// BuiltinDeps are the collaborators of the stateful builtin tools.
type BuiltinDeps struct {
	KV     store.KV
	Events *events.Publisher
	Asker  Asker
}

// Builtin returns every builtin tool.
func Builtin(deps BuiltinDeps) []Tool {
	return []Tool{
		ReadTool{},
		WriteTool{},
		EditTool{},
		BashTool{},
		GlobTool{},
		GrepTool{},
		GitTool{},
		TodoWriteTool{KV: deps.KV, Events: deps.Events},
		AskUserTool{Asker: deps.Asker},
	}
}

// NewBuiltinRegistry returns a registry holding the builtin tools.
func NewBuiltinRegistry(deps BuiltinDeps) *Registry {
	r, err := NewRegistry(Builtin(deps)...)
	if err != nil {
		// Builtin names are distinct constants.
		panic(err)
	}
	return r
}
