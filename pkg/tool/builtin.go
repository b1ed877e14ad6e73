package tool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// RegisterBuiltins installs the core tool set: shell execution, file
// read/write and echo. The shell tool is the one the approval gate cares
// about most; its literal command string is what gets classified.
func RegisterBuiltins(e *Executor) error {
	builtins := []Definition{
		{
			Name:        "echo",
			Description: "Echo the input message back",
			Parameters: []Parameter{
				{Name: "message", Type: "string", Description: "Message to echo", Required: true},
			},
			Handler:     echoHandler,
			AutoApprove: true,
		},
		{
			Name:        "shell",
			Description: "Run a shell command in the working directory",
			Parameters: []Parameter{
				{Name: "command", Type: "string", Description: "Command line to execute", Required: true},
				{Name: "cwd", Type: "string", Description: "Working directory override", Required: false},
			},
			Handler: shellHandler,
		},
		{
			Name:        "read_file",
			Description: "Read a file and return its contents",
			Parameters: []Parameter{
				{Name: "path", Type: "string", Description: "File path to read", Required: true},
			},
			Handler:     readFileHandler,
			AutoApprove: true,
		},
		{
			Name:        "write_file",
			Description: "Write content to a file, creating parent directories",
			Parameters: []Parameter{
				{Name: "path", Type: "string", Description: "File path to write", Required: true},
				{Name: "content", Type: "string", Description: "Content to write", Required: true},
			},
			Handler: writeFileHandler,
		},
	}

	for _, def := range builtins {
		if err := e.Register(def); err != nil {
			return fmt.Errorf("failed to register builtin %s: %w", def.Name, err)
		}
	}

	return nil
}

func echoHandler(_ context.Context, params map[string]interface{}) (string, error) {
	message, _ := params["message"].(string)
	return message, nil
}

func shellHandler(ctx context.Context, params map[string]interface{}) (string, error) {
	command, _ := params["command"].(string)
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command cannot be empty")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if cwd, ok := params["cwd"].(string); ok && cwd != "" {
		cmd.Dir = cwd
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("command failed: %v: %s", err, strings.TrimSpace(stderr.String()))
	}

	return stdout.String(), nil
}

func readFileHandler(_ context.Context, params map[string]interface{}) (string, error) {
	path, _ := params["path"].(string)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

func writeFileHandler(_ context.Context, params map[string]interface{}) (string, error) {
	path, _ := params["path"].(string)
	content, _ := params["content"].(string)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}
