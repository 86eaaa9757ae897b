package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const shellOutputCap = 64 * 1024

// shellArgs are the shell tool's parameters.
type shellArgs struct {
	Command    string `json:"command" jsonschema:"description=Shell command line to execute"`
	WorkingDir string `json:"working_dir,omitempty" jsonschema:"description=Directory to run the command in"`
}

// ShellTool executes a command line through the system shell. Commands
// matching the blocklist are rejected with a security error; all shell
// calls serialize through one exclusive key.
type ShellTool struct {
	blocklist []string
	timeout   time.Duration
	schema    json.RawMessage
}

// NewShellTool creates the shell tool. blocklist entries match as
// case-insensitive substrings of the command line.
func NewShellTool(blocklist []string, timeout time.Duration) *ShellTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShellTool{
		blocklist: blocklist,
		timeout:   timeout,
		schema:    reflectSchema(&shellArgs{}),
	}
}

// Name implements Tool.
func (t *ShellTool) Name() string { return "shell" }

// Description implements Tool.
func (t *ShellTool) Description() string {
	return "Execute a shell command on the host and return its combined output.\nUse for file system operations, process inspection, and local tooling."
}

// Schema implements Tool.
func (t *ShellTool) Schema() json.RawMessage { return t.schema }

// Required implements Tool.
func (t *ShellTool) Required() []string { return []string{"command"} }

// Timeout implements Tool.
func (t *ShellTool) Timeout() time.Duration { return t.timeout }

// Category implements Tool.
func (t *ShellTool) Category() string { return "system" }

// ExclusiveKey serializes all shell executions.
func (t *ShellTool) ExclusiveKey(args map[string]any) string { return "shell" }

// Execute implements Tool.
func (t *ShellTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	var parsed shellArgs
	if err := decodeArgs(args, &parsed); err != nil {
		return "", err
	}

	command := strings.TrimSpace(parsed.Command)
	if command == "" {
		return "", &ToolError{Kind: ErrToolValidation, Message: "command is empty"}
	}

	lowered := strings.ToLower(command)
	for _, blocked := range t.blocklist {
		if blocked == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(blocked)) {
			return "", &ToolError{Kind: ErrToolSecurity, Message: fmt.Sprintf("command matches blocklist entry %q", blocked)}
		}
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if parsed.WorkingDir != "" {
		cmd.Dir = parsed.WorkingDir
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()
	if len(output) > shellOutputCap {
		output = output[:shellOutputCap] + "\n[output truncated]"
	}

	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &ToolError{Kind: ErrToolExecution, Message: fmt.Sprintf("%v\n%s", err, output), Cause: err}
	}
	return output, nil
}

// decodeArgs converts an argument map into a typed struct.
func decodeArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return &ToolError{Kind: ErrToolValidation, Message: "arguments are not serializable", Cause: err}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &ToolError{Kind: ErrToolValidation, Message: "arguments do not match schema", Cause: err}
	}
	return nil
}
