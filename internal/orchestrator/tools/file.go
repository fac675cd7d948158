package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// readLimit bounds how much file content is returned to the model.
const readLimit = 256 * 1024

// ReadFileTool reads a file under the workspace root.
type ReadFileTool struct {
	root string
}

// NewReadFileTool creates the tool rooted at the workspace directory.
func NewReadFileTool(root string) *ReadFileTool {
	return &ReadFileTool{root: root}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a text file from the project workspace."
}

func (t *ReadFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Path relative to the workspace root"},
		},
		"required": []any{"path"},
	}
}

func (t *ReadFileTool) Label(input map[string]any) string {
	return "Reading " + stringInput(input, "path")
}

func (t *ReadFileTool) Execute(_ context.Context, _ string, input map[string]any) (string, error) {
	path, err := resolveWorkspacePath(t.root, stringInput(input, "path"))
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) > readLimit {
		return string(data[:readLimit]) + "\n…(truncated)", nil
	}
	return string(data), nil
}

// WriteFileTool writes a file under the workspace root, creating parent
// directories as needed.
type WriteFileTool struct {
	root string
}

// NewWriteFileTool creates the tool rooted at the workspace directory.
func NewWriteFileTool(root string) *WriteFileTool {
	return &WriteFileTool{root: root}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write a text file in the project workspace, replacing any existing content."
}

func (t *WriteFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Path relative to the workspace root"},
			"content": map[string]any{"type": "string"},
		},
		"required": []any{"path", "content"},
	}
}

func (t *WriteFileTool) Label(input map[string]any) string {
	return "Writing " + stringInput(input, "path")
}

func (t *WriteFileTool) Execute(_ context.Context, _ string, input map[string]any) (string, error) {
	path, err := resolveWorkspacePath(t.root, stringInput(input, "path"))
	if err != nil {
		return "", err
	}
	content, ok := input["content"].(string)
	if !ok {
		return "", fmt.Errorf("content is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), stringInput(input, "path")), nil
}

// resolveWorkspacePath joins and confines a relative path to the root.
func resolveWorkspacePath(root, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	joined := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the workspace", rel)
	}
	return joined, nil
}
