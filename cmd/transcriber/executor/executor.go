package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Executor runs external programs such as ffmpeg and the whisper.cpp CLI.
type Executor interface {
	Execute(ctx context.Context, name string, args ...string) (string, error)
}

type CommandExecutor struct {
	// Dir is the working directory of the commands. Empty means the
	// current one.
	Dir string
}

func New() *CommandExecutor {
	return &CommandExecutor{}
}

// Execute runs name with args and returns its standard output. On failure
// the returned error carries the process standard error.
func (e *CommandExecutor) Execute(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = e.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	slog.Debug("running command", slog.String("name", name), slog.String("args", strings.Join(args, " ")))

	if err := cmd.Run(); err != nil {
		if stderrStr := strings.TrimSpace(stderr.String()); stderrStr != "" {
			return "", fmt.Errorf("command %q failed: %w\nstderr: %s", name, err, stderrStr)
		}
		return "", fmt.Errorf("command %q failed: %w", name, err)
	}

	slog.Debug("command done", slog.String("name", name), slog.Duration("dur", time.Since(start)))

	return stdout.String(), nil
}
