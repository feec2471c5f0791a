package privexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Mischa-dev/bootstrap/internal/secret"
	"github.com/Mischa-dev/bootstrap/internal/types"
)

// fakeRunner records every command and answers from a function.
type fakeRunner struct {
	respond func(cmd Command) (types.CommandResult, error)
	calls   []Command
}

func (f *fakeRunner) Run(_ context.Context, cmd Command) (types.CommandResult, error) {
	recorded := cmd
	recorded.Stdin = append([]byte(nil), cmd.Stdin...) // callers zero stdin after Run
	f.calls = append(f.calls, recorded)
	if f.respond == nil {
		return types.CommandResult{Command: cmd.String()}, nil
	}
	return f.respond(cmd)
}

type fakeCreds struct {
	err   error
	value string
	calls int
}

func (f *fakeCreds) Get(context.Context) (*secret.Buffer, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return secret.NewFromBytes([]byte(f.value))
}

func newTestSudo(runner Runner, euid int) *Sudo {
	s := NewSudo(runner)
	s.euid = func() int { return euid }
	return s
}

func isSudoProbe(cmd Command) bool {
	return cmd.Name == sudoCommand && strings.Join(cmd.Args, " ") == "-n true"
}

func TestCommandStringRedacts(t *testing.T) {
	cmd := Command{
		Name:   "tailscale",
		Args:   []string{"up", "--auth-key=tskey-auth-secret"},
		Redact: []string{"tskey-auth-secret"},
	}
	if got, want := cmd.String(), "tailscale up --auth-key=[REDACTED]"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	wrapped := cmd.wrap(sudoCommand, "-n", "--")
	if got, want := wrapped.String(), "sudo -n -- tailscale up --auth-key=[REDACTED]"; got != want {
		t.Errorf("wrapped String() = %q, want %q", got, want)
	}
	if len(cmd.Args) != 2 {
		t.Error("wrap must not modify the wrapped command")
	}
}

func TestExecutorPrivilegedNeverTouchesCredentials(t *testing.T) {
	runner := &fakeRunner{}
	creds := &fakeCreds{value: "pw"}
	executor := NewExecutor(runner, newTestSudo(runner, 0), creds)

	for range 3 {
		if _, err := executor.Run(context.Background(), Command{Name: "apt-get", Args: []string{"update"}}); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	}

	if creds.calls != 0 {
		t.Errorf("credential source called %d times, want 0", creds.calls)
	}
	for _, call := range runner.calls {
		if call.Name == sudoCommand {
			t.Errorf("root run went through sudo: %s", call)
		}
	}
}

func TestExecutorUsesCachedGrant(t *testing.T) {
	runner := &fakeRunner{}
	creds := &fakeCreds{value: "pw"}
	executor := NewExecutor(runner, newTestSudo(runner, 1000), creds)

	if _, err := executor.Run(context.Background(), Command{Name: "systemctl", Args: []string{"start", "tailscaled"}}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if creds.calls != 0 {
		t.Errorf("credential source called %d times, want 0", creds.calls)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("got %d runner calls, want probe + command", len(runner.calls))
	}
	if got, want := runner.calls[1].String(), "sudo -n -- systemctl start tailscaled"; got != want {
		t.Errorf("command = %q, want %q", got, want)
	}
}

func TestExecutorFallsBackToCredential(t *testing.T) {
	runner := &fakeRunner{respond: func(cmd Command) (types.CommandResult, error) {
		if isSudoProbe(cmd) {
			return types.CommandResult{ExitCode: 1, Stderr: "sudo: a password is required"}, nil
		}
		return types.CommandResult{Command: cmd.String()}, nil
	}}
	creds := &fakeCreds{value: "pw"}
	executor := NewExecutor(runner, newTestSudo(runner, 1000), creds)

	cmd := Command{Name: "sh", Args: []string{"-c", "cat"}, Stdin: []byte("payload")}
	if _, err := executor.Run(context.Background(), cmd); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if creds.calls != 1 {
		t.Errorf("credential source called %d times, want 1", creds.calls)
	}
	last := runner.calls[len(runner.calls)-1]
	if got, want := last.String(), "sudo -S -p  -- sh -c cat"; got != want {
		t.Errorf("command = %q, want %q", got, want)
	}
	if got, want := string(last.Stdin), "pw\npayload"; got != want {
		t.Errorf("stdin = %q, want %q", got, want)
	}
}

func TestExecutorGrantLapseFallsBack(t *testing.T) {
	runner := &fakeRunner{respond: func(cmd Command) (types.CommandResult, error) {
		if len(cmd.Args) > 0 && cmd.Args[0] == "-n" && !isSudoProbe(cmd) {
			return types.CommandResult{ExitCode: 1, Stderr: "sudo: a password is required"}, nil
		}
		return types.CommandResult{}, nil
	}}
	creds := &fakeCreds{value: "pw"}
	executor := NewExecutor(runner, newTestSudo(runner, 1000), creds)

	if _, err := executor.Run(context.Background(), Command{Name: "true"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if creds.calls != 1 {
		t.Errorf("credential source called %d times, want 1", creds.calls)
	}
}

func TestExecutorErrors(t *testing.T) {
	tests := []struct {
		name    string
		respond func(cmd Command) (types.CommandResult, error)
		creds   *fakeCreds
		want    error
	}{
		{
			name: "command exits non-zero",
			respond: func(Command) (types.CommandResult, error) {
				return types.CommandResult{ExitCode: 100, Stderr: "E: Unable to locate package"}, nil
			},
			creds: &fakeCreds{value: "pw"},
			want:  ErrCommandFailed,
		},
		{
			name: "credential rejected",
			respond: func(Command) (types.CommandResult, error) {
				return types.CommandResult{ExitCode: 1, Stderr: "Sorry, try again.\nsudo: 1 incorrect password attempt"}, nil
			},
			creds: &fakeCreds{value: "wrong"},
			want:  ErrElevationFailed,
		},
		{
			name: "credential unavailable",
			respond: func(Command) (types.CommandResult, error) {
				return types.CommandResult{ExitCode: 1, Stderr: "sudo: a password is required"}, nil
			},
			creds: &fakeCreds{err: errors.New("no terminal")},
			want:  ErrElevationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{respond: tt.respond}
			executor := NewExecutor(runner, newTestSudo(runner, 1000), tt.creds)

			_, err := executor.Run(context.Background(), Command{Name: "apt-get", Args: []string{"remove", "-y", "jq"}})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Run error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCommandFailureIsTolerable(t *testing.T) {
	runner := &fakeRunner{respond: func(Command) (types.CommandResult, error) {
		return types.CommandResult{ExitCode: 100}, nil
	}}
	executor := NewExecutor(runner, newTestSudo(runner, 0), nil)

	_, err := executor.Run(context.Background(), Command{Name: "apt-get", Args: []string{"remove", "-y", "absent"}})
	if !IsCommandFailure(err) {
		t.Fatalf("expected a tolerable command failure, got %v", err)
	}
	if errors.Is(err, ErrElevationFailed) {
		t.Error("a non-zero exit must not be reported as an elevation failure")
	}
}

func TestSudoVerify(t *testing.T) {
	runner := &fakeRunner{respond: func(cmd Command) (types.CommandResult, error) {
		if string(cmd.Stdin) == "right\n" {
			return types.CommandResult{}, nil
		}
		return types.CommandResult{ExitCode: 1}, nil
	}}
	sudo := newTestSudo(runner, 1000)

	good, err := secret.NewFromBytes([]byte("right"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = good.Close() }() //nolint:errcheck // test cleanup
	bad, err := secret.NewFromBytes([]byte("wrong"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = bad.Close() }() //nolint:errcheck // test cleanup

	if err := sudo.Verify(context.Background(), good); err != nil {
		t.Errorf("Verify(good) = %v", err)
	}
	if err := sudo.Verify(context.Background(), bad); !errors.Is(err, ErrElevationFailed) {
		t.Errorf("Verify(bad) = %v, want ErrElevationFailed", err)
	}
	if got := strings.Join(runner.calls[0].Args, " "); got != "-k -S -p  -- true" {
		t.Errorf("probe args = %q", got)
	}
}

func TestSudoPrivilegedFileRoundTrip(t *testing.T) {
	sudo := newTestSudo(&fakeRunner{}, 0)
	path := filepath.Join(t.TempDir(), "state", "admin.credential")

	if err := sudo.WriteFile(context.Background(), path, []byte("pw\n"), nil); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("mode = %o, want 600", perm)
	}

	data, err := sudo.ReadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "pw\n" {
		t.Errorf("ReadFile = %q", data)
	}

	if err := sudo.RemoveFile(context.Background(), path, nil); err != nil {
		t.Fatalf("RemoveFile failed: %v", err)
	}
	if err := sudo.RemoveFile(context.Background(), path, nil); err != nil {
		t.Fatalf("RemoveFile of a missing file failed: %v", err)
	}
}

func TestSudoUnprivilegedWriteUsesScript(t *testing.T) {
	runner := &fakeRunner{}
	sudo := newTestSudo(runner, 1000)

	if err := sudo.WriteFile(context.Background(), "/var/lib/bootstrap/admin.credential", []byte("pw\n"), nil); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	call := runner.calls[0]
	if call.Name != sudoCommand || call.Args[0] != "-n" {
		t.Fatalf("write did not go through sudo -n: %s", call)
	}
	if last := call.Args[len(call.Args)-1]; last != "/var/lib/bootstrap/admin.credential" {
		t.Errorf("path passed as %q, want a positional argument", last)
	}
	if string(call.Stdin) != "pw\n" {
		t.Errorf("stdin = %q", call.Stdin)
	}
}

func TestExecRunner(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	runner := ExecRunner{}

	result, err := runner.Run(context.Background(), Command{
		Name:   "sh",
		Args:   []string{"-c", "cat; printf ' key=s3cret' ; printf oops >&2; exit 3"},
		Stdin:  []byte("in"),
		Redact: []string{"s3cret"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit = %d, want 3", result.ExitCode)
	}
	if result.Stdout != "in key=[REDACTED]" {
		t.Errorf("stdout = %q", result.Stdout)
	}
	if result.Stderr != "oops" {
		t.Errorf("stderr = %q", result.Stderr)
	}

	_, err = runner.Run(context.Background(), Command{Name: "sleep", Args: []string{"5"}, Timeout: 50 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("timeout error = %v", err)
	}

	_, err = runner.Run(context.Background(), Command{Name: "definitely-not-a-binary-xyz"})
	if err == nil {
		t.Error("expected an error for a missing binary")
	}
}
