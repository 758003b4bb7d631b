package tools

import (
	"context"
	"errors"
	"fmt"
)

// Asker puts a multiple-choice question to a human and returns the chosen
// answer.
type Asker interface {
	Ask(ctx context.Context, projectID, prompt string, choices []string) (string, error)
}

// AskUserTool lets an agent ask the user a question.
type AskUserTool struct {
	Asker Asker
}

func (AskUserTool) Name() string { return NameAskUser }
func (AskUserTool) Description() string {
	return "Ask the user a multiple-choice question and wait for the answer. Use sparingly."
}
func (AskUserTool) Schema() Schema {
	return Schema{
		Properties: map[string]Property{
			"question": {Type: "string", Description: "The question to ask"},
			"choices":  {Type: "array", Description: "Between 2 and 4 answer choices", Items: &Property{Type: "string"}},
		},
		Required: []string{"question", "choices"},
	}
}

func (t AskUserTool) Execute(ctx context.Context, env Env, args Args) (string, error) {
	if t.Asker == nil {
		return "", errors.New("no user available to answer")
	}
	choices := stringSlice(args["choices"])
	if len(choices) < 2 || len(choices) > 4 {
		return "", fmt.Errorf("choices must have 2 to 4 entries, got %d", len(choices))
	}
	answer, err := t.Asker.Ask(ctx, env.ProjectID, args.String("question"), choices)
	if err != nil {
		return "", fmt.Errorf("ask user: %w", err)
	}
	return "User answered: " + answer, nil
}
