package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quillhq/quill/internal/bash"
)

// resultTailLimit bounds how much process output is returned to the model.
const resultTailLimit = 16 * 1024

// BashTool runs a shell command through the bash manager and waits for it to
// finish. Background mode returns immediately with the process id.
type BashTool struct {
	manager *bash.Manager
}

// NewBashTool creates the tool over a manager.
func NewBashTool(manager *bash.Manager) *BashTool {
	return &BashTool{manager: manager}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Run a shell command in the project workspace. Set background=true for long-running commands; they keep running and can be inspected later by id."
}

func (t *BashTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":    map[string]any{"type": "string", "description": "Shell command to execute"},
			"cwd":        map[string]any{"type": "string", "description": "Working directory"},
			"timeout":    map[string]any{"type": "integer", "description": "Timeout in seconds (1-600, default 120)"},
			"background": map[string]any{"type": "boolean", "description": "Run without waiting for completion"},
		},
		"required": []any{"command"},
	}
}

func (t *BashTool) Label(input map[string]any) string {
	command := stringInput(input, "command")
	if len(command) > 40 {
		command = command[:40] + "…"
	}
	return "Running " + command
}

func (t *BashTool) Execute(ctx context.Context, _ string, input map[string]any) (string, error) {
	command := stringInput(input, "command")
	if command == "" {
		return "", fmt.Errorf("command is required")
	}
	background, _ := input["background"].(bool)
	timeout := 0
	if v, ok := input["timeout"].(float64); ok {
		timeout = int(v)
	}

	mode := bash.ModeActive
	if background {
		mode = bash.ModeBackground
	}
	id, err := t.manager.Execute(command, bash.ExecuteOptions{
		Mode:           mode,
		Cwd:            stringInput(input, "cwd"),
		TimeoutSeconds: timeout,
	})
	if err != nil {
		return "", err
	}
	if background {
		return fmt.Sprintf("started background process %s", id), nil
	}

	proc, err := t.await(ctx, id)
	if err != nil {
		return "", err
	}
	return formatResult(proc), nil
}

// await polls until the process reaches a terminal state. The manager owns
// the timeout; this only gives up when ctx does.
func (t *BashTool) await(ctx context.Context, id string) (*bash.BashProcess, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.manager.Kill(id)
			return nil, ctx.Err()
		case <-ticker.C:
			proc, ok := t.manager.Get(id)
			if !ok {
				return nil, fmt.Errorf("process %s disappeared", id)
			}
			if proc.Status.Terminal() {
				return proc, nil
			}
		}
	}
}

func formatResult(proc *bash.BashProcess) string {
	var b strings.Builder
	exitCode := -1
	if proc.ExitCode != nil {
		exitCode = *proc.ExitCode
	}
	fmt.Fprintf(&b, "status: %s (exit code %d)\n", proc.Status, exitCode)
	if out := tail(proc.Stdout); out != "" {
		b.WriteString("stdout:\n")
		b.WriteString(out)
		if !strings.HasSuffix(out, "\n") {
			b.WriteString("\n")
		}
	}
	if errOut := tail(proc.Stderr); errOut != "" {
		b.WriteString("stderr:\n")
		b.WriteString(errOut)
	}
	return b.String()
}

func tail(s string) string {
	if len(s) <= resultTailLimit {
		return s
	}
	return "…(truncated)…\n" + s[len(s)-resultTailLimit:]
}
