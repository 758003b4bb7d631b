package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/orbitd/internal/events"
	"github.com/fyrsmithlabs/orbitd/internal/store"
)

// Todo is one item of an agent's todo list.
type Todo struct {
	Content    string `json:"content"`
	Status     string `json:"status"`
	ActiveForm string `json:"active_form,omitempty"`
}

var todoStatuses = map[string]bool{"pending": true, "in_progress": true, "completed": true}

// TodoWriteTool replaces the project's todo list and broadcasts it.
type TodoWriteTool struct {
	KV     store.KV
	Events *events.Publisher
}

func (TodoWriteTool) Name() string { return NameTodoWrite }
func (TodoWriteTool) Description() string {
	return "Replace the todo list for the current project. Use it to track multi-step work."
}
func (TodoWriteTool) Schema() Schema {
	return Schema{
		Properties: map[string]Property{
			"todos": {
				Type:        "array",
				Description: "The complete, updated todo list",
				Items: &Property{
					Type: "object",
					ItemProperties: map[string]Property{
						"content":     {Type: "string", Description: "What needs doing"},
						"status":      {Type: "string", Enum: []string{"pending", "in_progress", "completed"}},
						"active_form": {Type: "string", Description: "Present-tense form shown while in progress"},
					},
				},
			},
		},
		Required: []string{"todos"},
	}
}

func (t TodoWriteTool) Execute(ctx context.Context, env Env, args Args) (string, error) {
	if t.KV == nil {
		return "", errors.New("todo storage unavailable")
	}
	todos, err := decodeTodos(args["todos"])
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(todos)
	if err != nil {
		return "", err
	}
	if _, err := t.KV.Set(ctx, store.TodosKey(env.ProjectID), data, 0); err != nil {
		return "", fmt.Errorf("save todos: %w", err)
	}
	t.Events.Emit(ctx, env.ProjectID, events.TodosUpdated, map[string]any{
		"task_id": env.TaskID,
		"todos":   todos,
	})

	done := 0
	for _, td := range todos {
		if td.Status == "completed" {
			done++
		}
	}
	return fmt.Sprintf("Todo list updated: %d items, %d completed", len(todos), done), nil
}

func decodeTodos(v any) ([]Todo, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("invalid todos: %w", err)
	}
	var todos []Todo
	if err := json.Unmarshal(raw, &todos); err != nil {
		return nil, fmt.Errorf("invalid todos: %w", err)
	}
	for i, td := range todos {
		if td.Content == "" {
			return nil, fmt.Errorf("todo %d: content is required", i)
		}
		if !todoStatuses[td.Status] {
			return nil, fmt.Errorf("todo %d: invalid status %q", i, td.Status)
		}
	}
	return todos, nil
}

// LoadTodos returns the stored todo list for a project.
func LoadTodos(ctx context.Context, kv store.KV, projectID string) ([]Todo, error) {
	e, err := kv.Get(ctx, store.TodosKey(projectID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var todos []Todo
	if err := json.Unmarshal(e.Value, &todos); err != nil {
		return nil, err
	}
	return todos, nil
}
