// Package privexec runs local commands, elevating through sudo when needed.
//
// Commands are typed argv lists; nothing is ever passed through a shell
// string built from caller input. The Executor tries, in order: running
// directly when the process is already root, a cached non-interactive sudo
// grant, and finally sudo fed the administrator credential on stdin.
package privexec

import (
	"io"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds a command that sets no Timeout.
	DefaultTimeout = 2 * time.Minute
	redacted       = "[REDACTED]"
)

// Command is one program invocation.
type Command struct {
	Stdout  io.Writer // If set, stdout streams here instead of being captured
	Name    string
	Args    []string
	Stdin   []byte
	Redact  []string // Values masked in logs, errors and results
	Timeout time.Duration
}

// String returns the display form of the command with redacted values masked.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)
	parts = append(parts, c.Args...)
	return c.mask(strings.Join(parts, " "))
}

func (c Command) mask(s string) string {
	for _, value := range c.Redact {
		if value != "" {
			s = strings.ReplaceAll(s, value, redacted)
		}
	}
	return s
}

func (c Command) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// wrap returns a copy of c that runs name with prefix arguments in front of
// the given argv, keeping stdin, redaction and timeout.
func (c Command) wrap(name string, prefix ...string) Command {
	args := make([]string, 0, len(prefix)+len(c.Args)+1)
	args = append(args, prefix...)
	args = append(args, c.Name)
	args = append(args, c.Args...)

	wrapped := c
	wrapped.Name = name
	wrapped.Args = args
	return wrapped
}
