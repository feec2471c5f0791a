package privexec

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/Mischa-dev/bootstrap/internal/secret"
	"github.com/Mischa-dev/bootstrap/internal/types"
)

// CredentialSource supplies the administrator credential. The returned
// buffer stays owned by the source.
type CredentialSource interface {
	Get(ctx context.Context) (*secret.Buffer, error)
}

// Elevator is the mechanism that runs a command with elevated rights.
type Elevator interface {
	IsPrivileged() bool
	CanElevate(ctx context.Context) bool
	RunNonInteractive(ctx context.Context, cmd Command) (types.CommandResult, error)
	RunWithCredential(ctx context.Context, cmd Command, credential *secret.Buffer) (types.CommandResult, error)
}

// Executor runs commands as the current user or with elevated rights.
type Executor struct {
	runner   Runner
	elevator Elevator
	creds    CredentialSource
}

// NewExecutor returns an Executor. creds is consulted only when neither the
// process identity nor a cached sudo grant allows elevation.
func NewExecutor(runner Runner, elevator Elevator, creds CredentialSource) *Executor {
	return &Executor{runner: runner, elevator: elevator, creds: creds}
}

// Run executes cmd with elevated rights. A non-zero exit is returned as a
// *CommandError; failing to elevate at all wraps ErrElevationFailed.
func (e *Executor) Run(ctx context.Context, cmd Command) (types.CommandResult, error) {
	if e.elevator.IsPrivileged() {
		log.Printf("[DEBUG] Running as root: %s", cmd)
		return checkResult(e.runner.Run(ctx, cmd))
	}

	if e.elevator.CanElevate(ctx) {
		log.Printf("[DEBUG] Running with cached sudo grant: %s", cmd)
		result, err := e.elevator.RunNonInteractive(ctx, cmd)
		if !errors.Is(err, ErrElevationFailed) {
			return checkResult(result, err)
		}
		// The grant lapsed between the probe and the command.
		log.Printf("[DEBUG] Cached sudo grant expired, falling back to credential")
	}

	if e.creds == nil {
		return types.CommandResult{Command: cmd.String()}, fmt.Errorf("%w: no credential source for %s", ErrElevationFailed, cmd)
	}
	credential, err := e.creds.Get(ctx)
	if err != nil {
		return types.CommandResult{Command: cmd.String()}, fmt.Errorf("%w: failed to obtain credential: %w", ErrElevationFailed, err)
	}

	log.Printf("[DEBUG] Running with administrator credential: %s", cmd)
	result, err := e.elevator.RunWithCredential(ctx, cmd, credential)
	if err != nil {
		log.Printf("[ERROR] Elevation failed for %s: %v", cmd, err)
	}
	return checkResult(result, err)
}

// RunAsUser executes cmd without elevation. A non-zero exit is returned as
// a *CommandError.
func (e *Executor) RunAsUser(ctx context.Context, cmd Command) (types.CommandResult, error) {
	return checkResult(e.runner.Run(ctx, cmd))
}
