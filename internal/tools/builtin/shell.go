package builtin

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/nanocoder-ai/nanocoder/internal/tools"
)

const (
	defaultShellTimeout = 60 * time.Second
	maxShellTimeout     = 5 * time.Minute
	minShellTimeout     = 5 * time.Second
	maxOutputLines      = 200
	maxOutputChars      = 16000
)

func newExecuteBashTool(root string) *tools.Definition {
	return &tools.Definition{
		Name:        "execute_bash",
		Description: "Runs a bash command in the workspace root and returns its combined output and exit code. Supports an optional timeout in seconds.",
		SchemaJSON: `{
			"type": "object",
			"properties": {
				"command": {"type":"string","description":"The bash command to run"},
				"timeout_seconds": {"type":"integer","minimum":5,"maximum":300,"description":"Maximum seconds to allow the command to run (default: 60)"}
			},
			"required": ["command"]
		}`,
		// The approval gate treats this tool as always requiring
		// confirmation regardless of this policy; the explicit setting
		// keeps the definition honest.
		NeedsApproval: tools.ApprovalRequired(),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			command, err := stringArg(args, "command")
			if err != nil {
				return "", err
			}
			timeout := parseTimeout(args["timeout_seconds"])

			cmdCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(cmdCtx, "bash", "-c", command)
			cmd.Dir = root
			output, runErr := cmd.CombinedOutput()

			text, truncated := truncateOutput(string(output))
			exitCode := 0
			var exitErr *exec.ExitError
			switch {
			case errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
				return "", fmt.Errorf("command timed out after %s", timeout)
			case errors.As(runErr, &exitErr):
				exitCode = exitErr.ExitCode()
			case runErr != nil:
				return "", runErr
			}

			var b strings.Builder
			fmt.Fprintf(&b, "exit code: %d\n", exitCode)
			if truncated {
				b.WriteString("(output truncated)\n")
			}
			b.WriteString(text)
			return b.String(), nil
		},
	}
}

func parseTimeout(value any) time.Duration {
	seconds := 0.0
	switch v := value.(type) {
	case float64:
		seconds = v
	case int:
		seconds = float64(v)
	}
	if seconds <= 0 {
		return defaultShellTimeout
	}
	timeout := time.Duration(seconds) * time.Second
	if timeout < minShellTimeout {
		return minShellTimeout
	}
	if timeout > maxShellTimeout {
		return maxShellTimeout
	}
	return timeout
}

func truncateOutput(output string) (string, bool) {
	truncated := false
	lines := strings.Split(output, "\n")
	if len(lines) > maxOutputLines {
		lines = lines[:maxOutputLines]
		truncated = true
	}
	joined := strings.Join(lines, "\n")
	if len(joined) > maxOutputChars {
		joined = joined[:maxOutputChars]
		truncated = true
	}
	return joined, truncated
}
