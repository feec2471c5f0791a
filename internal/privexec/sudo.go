package privexec

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Mischa-dev/bootstrap/internal/secret"
	"github.com/Mischa-dev/bootstrap/internal/types"
)

const (
	sudoCommand = "sudo"
	// Probes are quick; a hung sudo means it is waiting on a terminal.
	probeTimeout = 15 * time.Second
	// Permissions for the persisted credential and its directory.
	secretFilePerm = 0o600
	secretDirPerm  = 0o755
)

// writeScript stores stdin at "$1" as root-owned mode 0600, going through a
// temporary file so readers never observe a partial write.
const writeScript = `set -e
d=$(dirname "$1")
[ -d "$d" ] || install -d -m 755 "$d"
umask 077
cat > "$1.tmp"
chmod 600 "$1.tmp"
chown 0:0 "$1.tmp"
mv -f "$1.tmp" "$1"`

// Messages sudo prints when it refuses to run a command for lack of
// authentication or authorization.
var authFailureMarkers = []string{
	"a password is required",
	"incorrect password",
	"sorry, try again",
	"no password was provided",
	"is not in the sudoers file",
	"may not run sudo",
	"a terminal is required",
}

// Sudo is the elevation mechanism used by the Executor and the credential store.
type Sudo struct {
	runner Runner
	euid   func() int
	path   string
}

// NewSudo returns a Sudo that runs through runner.
func NewSudo(runner Runner) *Sudo {
	return &Sudo{runner: runner, euid: os.Geteuid, path: sudoCommand}
}

// IsPrivileged reports whether the process already runs as root.
func (s *Sudo) IsPrivileged() bool {
	return s.euid() == 0
}

// CanElevate reports whether sudo will currently run a command without
// asking for a password.
func (s *Sudo) CanElevate(ctx context.Context) bool {
	if s.IsPrivileged() {
		return true
	}
	result, err := s.runner.Run(ctx, Command{Name: s.path, Args: []string{"-n", "true"}, Timeout: probeTimeout})
	return err == nil && result.Succeeded()
}

// RunNonInteractive runs cmd through sudo -n.
func (s *Sudo) RunNonInteractive(ctx context.Context, cmd Command) (types.CommandResult, error) {
	result, err := s.runner.Run(ctx, cmd.wrap(s.path, "-n", "--"))
	result.Elevated = true
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrElevationFailed, err)
	}
	if isAuthFailure(result) {
		return result, fmt.Errorf("%w: sudo refused %s", ErrElevationFailed, cmd)
	}
	return result, nil
}

// RunWithCredential runs cmd through sudo -S, feeding credential on stdin
// ahead of the command's own input.
func (s *Sudo) RunWithCredential(ctx context.Context, cmd Command, credential *secret.Buffer) (types.CommandResult, error) {
	line := credential.Line()
	stdin := make([]byte, 0, len(line)+len(cmd.Stdin))
	stdin = append(stdin, line...)
	stdin = append(stdin, cmd.Stdin...)
	secret.Zero(line)
	defer secret.Zero(stdin)

	wrapped := cmd.wrap(s.path, "-S", "-p", "", "--")
	wrapped.Stdin = stdin

	result, err := s.runner.Run(ctx, wrapped)
	result.Elevated = true
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrElevationFailed, err)
	}
	if isAuthFailure(result) {
		return result, fmt.Errorf("%w: credential rejected for %s", ErrElevationFailed, cmd)
	}
	return result, nil
}

// Verify checks a candidate credential with a zero-effect probe. The cached
// sudo grant is ignored (-k) so the credential itself is tested.
func (s *Sudo) Verify(ctx context.Context, credential *secret.Buffer) error {
	line := credential.Line()
	defer secret.Zero(line)

	result, err := s.runner.Run(ctx, Command{
		Name:    s.path,
		Args:    []string{"-k", "-S", "-p", "", "--", "true"},
		Stdin:   line,
		Timeout: probeTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to run sudo probe: %w", err)
	}
	if !result.Succeeded() {
		return fmt.Errorf("%w: sudo probe exited with status %d", ErrElevationFailed, result.ExitCode)
	}
	return nil
}

// ReadFile reads a root-only file. The returned slice is the caller's to zero.
func (s *Sudo) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if s.IsPrivileged() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return data, nil
	}

	var out bytes.Buffer
	result, err := s.RunNonInteractive(ctx, Command{
		Name:    "cat",
		Args:    []string{"--", path},
		Stdout:  &out,
		Timeout: probeTimeout,
	})
	if err != nil {
		secret.Zero(out.Bytes())
		return nil, err
	}
	if !result.Succeeded() {
		secret.Zero(out.Bytes())
		return nil, &CommandError{Result: result}
	}
	return out.Bytes(), nil
}

// WriteFile stores data at path as a root-owned mode 0600 file. When the
// process is not root, credential is used to elevate; it may be nil if a
// non-interactive grant is available.
func (s *Sudo) WriteFile(ctx context.Context, path string, data []byte, credential *secret.Buffer) error {
	if s.IsPrivileged() {
		return writeFileDirect(path, data)
	}

	cmd := Command{
		Name:    "sh",
		Args:    []string{"-c", writeScript, "sh", path},
		Stdin:   data,
		Timeout: probeTimeout,
	}

	var result types.CommandResult
	var err error
	if credential != nil {
		result, err = s.RunWithCredential(ctx, cmd, credential)
	} else {
		result, err = s.RunNonInteractive(ctx, cmd)
	}
	if _, err := checkResult(result, err); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// RemoveFile deletes a root-owned file. A missing file is not an error.
func (s *Sudo) RemoveFile(ctx context.Context, path string, credential *secret.Buffer) error {
	if s.IsPrivileged() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
		return nil
	}

	cmd := Command{Name: "rm", Args: []string{"-f", "--", path}, Timeout: probeTimeout}
	var result types.CommandResult
	var err error
	if credential != nil {
		result, err = s.RunWithCredential(ctx, cmd, credential)
	} else {
		result, err = s.RunNonInteractive(ctx, cmd)
	}
	if _, err := checkResult(result, err); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

func writeFileDirect(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, secretDirPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, secretFilePerm); err != nil {
		return fmt.Errorf("failed to write %s: %w", tempPath, err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(tempPath, secretFilePerm); err != nil {
		_ = os.Remove(tempPath) //nolint:errcheck // best effort cleanup
		return fmt.Errorf("failed to restrict %s: %w", tempPath, err)
	}
	if os.Geteuid() == 0 {
		if err := os.Chown(tempPath, 0, 0); err != nil {
			_ = os.Remove(tempPath) //nolint:errcheck // best effort cleanup
			return fmt.Errorf("failed to chown %s: %w", tempPath, err)
		}
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath) //nolint:errcheck // best effort cleanup
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	log.Printf("[DEBUG] Wrote %d bytes to %s", len(data), path)
	return nil
}

func isAuthFailure(result types.CommandResult) bool {
	if result.Succeeded() {
		return false
	}
	stderr := strings.ToLower(result.Stderr)
	for _, marker := range authFailureMarkers {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}
