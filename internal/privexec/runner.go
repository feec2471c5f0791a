package privexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/Mischa-dev/bootstrap/internal/types"
)

const (
	// Maximum captured output per stream.
	maxOutputSize = 1024 * 1024
	// Maximum log output length for readability.
	maxLogLength = 200
)

// Runner executes a command as the current user.
//
// A non-zero exit is reported in the result, not as an error; the error is
// reserved for commands that could not be started or that timed out.
type Runner interface {
	Run(ctx context.Context, cmd Command) (types.CommandResult, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes cmd, capturing stdout and stderr separately.
func (ExecRunner) Run(ctx context.Context, command Command) (types.CommandResult, error) {
	start := time.Now()
	display := command.String()
	ctx, cancel := context.WithTimeout(ctx, command.timeout())
	defer cancel()

	log.Printf("[DEBUG] Executing command: %s", display)

	cmd := exec.CommandContext(ctx, command.Name, command.Args...)
	if len(command.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(command.Stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	if command.Stdout != nil {
		cmd.Stdout = command.Stdout
	}
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	result := types.CommandResult{
		Command:  display,
		Stdout:   command.mask(limitOutput(stdoutBuf.Bytes(), maxOutputSize)),
		Stderr:   command.mask(limitOutput(stderrBuf.Bytes(), maxOutputSize)),
		Duration: time.Since(start),
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Printf("[WARN] Command timed out after %v: %s", result.Duration, display)
			result.ExitCode = -1
			return result, fmt.Errorf("%s timed out after %v: %w", display, result.Duration, ctx.Err())
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			result.ExitCode = -1
			return result, fmt.Errorf("failed to run %s: %w", display, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	logOutput("stdout", result.Stdout)
	logOutput("stderr", result.Stderr)
	log.Printf("[DEBUG] Command completed in %v (exit: %d, stdout: %d bytes, stderr: %d bytes): %s",
		result.Duration, result.ExitCode, len(result.Stdout), len(result.Stderr), display)

	return result, nil
}

func logOutput(stream, output string) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return
	}
	if len(trimmed) > maxLogLength {
		trimmed = trimmed[:maxLogLength] + "..."
	}
	log.Printf("[DEBUG] %s (%d bytes): %s", stream, len(output), trimmed)
}

// limitOutput truncates output if it exceeds maxSize.
func limitOutput(data []byte, maxSize int) string {
	if len(data) > maxSize {
		return string(data[:maxSize]) + "\n[Output truncated]..."
	}
	return string(data)
}
