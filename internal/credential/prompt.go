package credential

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNoTerminal is returned when a prompt is needed but stdin is not a terminal.
var ErrNoTerminal = errors.New("stdin is not a terminal")

// TerminalPrompter reads a secret from the controlling terminal with echo
// disabled.
type TerminalPrompter struct {
	In  *os.File
	Out io.Writer
}

// NewTerminalPrompter prompts on stderr and reads from stdin.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{In: os.Stdin, Out: os.Stderr}
}

// Prompt prints label and reads one line without echo.
func (p *TerminalPrompter) Prompt(ctx context.Context, label string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fd := int(p.In.Fd())
	if !term.IsTerminal(fd) {
		return nil, ErrNoTerminal
	}

	if _, err := fmt.Fprint(p.Out, label); err != nil {
		return nil, fmt.Errorf("failed to write prompt: %w", err)
	}
	value, err := term.ReadPassword(fd)
	fmt.Fprintln(p.Out) //nolint:errcheck // newline after hidden input
	if err != nil {
		return nil, fmt.Errorf("failed to read from terminal: %w", err)
	}
	return value, nil
}

// Ask prints label and reads one echoed line, for values that are not
// secret.
func (p *TerminalPrompter) Ask(ctx context.Context, label string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !term.IsTerminal(int(p.In.Fd())) {
		return "", ErrNoTerminal
	}

	if _, err := fmt.Fprint(p.Out, label); err != nil {
		return "", fmt.Errorf("failed to write prompt: %w", err)
	}
	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read from terminal: %w", err)
	}
	return strings.TrimSpace(line), nil
}
