package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultReadLimit = 2000

// ReadTool returns file contents with line numbers.
type ReadTool struct{}

func (ReadTool) Name() string { return NameRead }
func (ReadTool) Description() string {
	return "Read a file from the workspace. Returns contents with line numbers."
}
func (ReadTool) Schema() Schema {
	return Schema{
		Properties: map[string]Property{
			"file_path": {Type: "string", Description: "Path to the file, relative to the workspace or absolute inside it"},
			"offset":    {Type: "integer", Description: "Line number to start reading from (1-indexed, optional)"},
			"limit":     {Type: "integer", Description: "Maximum number of lines to read (optional, default 2000)"},
		},
		Required: []string{"file_path"},
	}
}

func (ReadTool) Execute(_ context.Context, env Env, args Args) (string, error) {
	path, err := resolvePath(env.Workspace, args.String("file_path"))
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	lines := strings.Split(string(content), "\n")
	start := 0
	if offset := args.Int("offset", 0); offset > 0 {
		start = offset - 1
		if start >= len(lines) {
			return "", errors.New("offset beyond end of file")
		}
	}
	end := min(start+args.Int("limit", defaultReadLimit), len(lines))

	var b strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}
	return b.String(), nil
}

// WriteTool creates or overwrites a file.
type WriteTool struct{}

func (WriteTool) Name() string { return NameWrite }
func (WriteTool) Description() string {
	return "Write content to a file in the workspace. Creates parent directories if needed."
}
func (WriteTool) Schema() Schema {
	return Schema{
		Properties: map[string]Property{
			"file_path": {Type: "string", Description: "Path to the file to write"},
			"content":   {Type: "string", Description: "Content to write to the file"},
		},
		Required: []string{"file_path", "content"},
	}
}

func (WriteTool) Execute(_ context.Context, env Env, args Args) (string, error) {
	path, err := resolvePath(env.Workspace, args.String("file_path"))
	if err != nil {
		return "", err
	}
	content := args.String("content")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), relPath(env.Workspace, path)), nil
}

// EditTool replaces text in a file.
type EditTool struct{}

func (EditTool) Name() string { return NameEdit }
func (EditTool) Description() string {
	return "Edit a file by replacing text. old_string must be unique unless replace_all is true."
}
func (EditTool) Schema() Schema {
	return Schema{
		Properties: map[string]Property{
			"file_path":   {Type: "string", Description: "Path to the file to edit"},
			"old_string":  {Type: "string", Description: "The exact text to replace"},
			"new_string":  {Type: "string", Description: "The replacement text"},
			"replace_all": {Type: "boolean", Description: "Replace every occurrence (default false)"},
		},
		Required: []string{"file_path", "old_string", "new_string"},
	}
}

func (EditTool) Execute(_ context.Context, env Env, args Args) (string, error) {
	path, err := resolvePath(env.Workspace, args.String("file_path"))
	if err != nil {
		return "", err
	}
	oldStr, newStr := args.String("old_string"), args.String("new_string")
	if oldStr == "" {
		return "", errors.New("old_string must not be empty")
	}
	if oldStr == newStr {
		return "", errors.New("old_string and new_string are identical")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	content := string(raw)

	count := strings.Count(content, oldStr)
	switch {
	case count == 0:
		return "", errors.New("old_string not found in file")
	case count > 1 && !args.Bool("replace_all"):
		return "", fmt.Errorf("old_string found %d times; make it unique or set replace_all", count)
	}

	if args.Bool("replace_all") {
		content = strings.ReplaceAll(content, oldStr, newStr)
	} else {
		content = strings.Replace(content, oldStr, newStr, 1)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat file: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), info.Mode().Perm()); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if args.Bool("replace_all") {
		return fmt.Sprintf("Replaced %d occurrences in %s", count, relPath(env.Workspace, path)), nil
	}
	return fmt.Sprintf("Edited %s", relPath(env.Workspace, path)), nil
}
