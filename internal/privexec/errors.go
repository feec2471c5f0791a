package privexec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Mischa-dev/bootstrap/internal/types"
)

var (
	// ErrElevationFailed means the command could not be run with elevated rights.
	ErrElevationFailed = errors.New("elevation failed")
	// ErrCommandFailed means the command ran but exited non-zero.
	ErrCommandFailed = errors.New("command failed")
)

// CommandError reports a command that ran and exited with a non-zero status.
type CommandError struct {
	Result types.CommandResult
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Result.Command, e.Result.ExitCode)
	if stderr := strings.TrimSpace(e.Result.Stderr); stderr != "" {
		if len(stderr) > maxLogLength {
			stderr = stderr[:maxLogLength] + "..."
		}
		msg += ": " + stderr
	}
	return msg
}

// Is makes errors.Is(err, ErrCommandFailed) match.
func (*CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}

// IsCommandFailure reports whether err is a non-zero exit rather than a
// failure to run the command at all.
func IsCommandFailure(err error) bool {
	return errors.Is(err, ErrCommandFailed)
}

func checkResult(result types.CommandResult, err error) (types.CommandResult, error) {
	if err != nil {
		return result, err
	}
	if !result.Succeeded() {
		return result, &CommandError{Result: result}
	}
	return result, nil
}
