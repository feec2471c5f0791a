package credential

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalPrompterRequiresTerminal(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close() //nolint:errcheck // test cleanup
		_ = w.Close() //nolint:errcheck // test cleanup
	})

	var out bytes.Buffer
	prompter := &TerminalPrompter{In: r, Out: &out}
	ctx := context.Background()

	_, err = prompter.Prompt(ctx, "Password: ")
	require.ErrorIs(t, err, ErrNoTerminal)
	_, err = prompter.Ask(ctx, "Tailnet: ")
	require.ErrorIs(t, err, ErrNoTerminal)
	assert.Empty(t, out.String(), "nothing is printed without a terminal")
}

func TestTerminalPrompterCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	prompter := NewTerminalPrompter()
	_, err := prompter.Ask(ctx, "Tag: ")
	require.ErrorIs(t, err, context.Canceled)
	_, err = prompter.Prompt(ctx, "Password: ")
	require.ErrorIs(t, err, context.Canceled)
}
