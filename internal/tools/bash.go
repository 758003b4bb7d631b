package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

const (
	defaultBashTimeout = 2 * time.Minute
	maxBashTimeout     = 10 * time.Minute
)

// BashTool runs a shell command in the workspace.
type BashTool struct{}

func (BashTool) Name() string { return NameBash }
func (BashTool) Description() string {
	return "Run a shell command in the workspace and return its combined output."
}
func (BashTool) Schema() Schema {
	return Schema{
		Properties: map[string]Property{
			"command":     {Type: "string", Description: "The command to run"},
			"timeout":     {Type: "integer", Description: "Timeout in milliseconds (optional, default 120000, max 600000)"},
			"description": {Type: "string", Description: "What this command does"},
		},
		Required: []string{"command"},
	}
}

func (BashTool) Execute(ctx context.Context, env Env, args Args) (string, error) {
	dir, err := resolvePath(env.Workspace, "")
	if err != nil {
		return "", err
	}
	command := args.String("command")
	if command == "" {
		return "", errors.New("command must not be empty")
	}

	timeout := defaultBashTimeout
	if ms := args.Int("timeout", 0); ms > 0 {
		timeout = min(time.Duration(ms)*time.Millisecond, maxBashTimeout)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	out := truncate(string(output))

	if ctx.Err() == context.DeadlineExceeded {
		return out, fmt.Errorf("command timed out after %s\n%s", timeout, out)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("exit status %d\n%s", exitErr.ExitCode(), out)
		}
		return out, fmt.Errorf("run command: %w", err)
	}
	if out == "" {
		return "(no output)", nil
	}
	return out, nil
}
