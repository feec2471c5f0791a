// Package meshclient drives the local Tailscale client.
package meshclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/Mischa-dev/bootstrap/internal/analyzer"
	"github.com/Mischa-dev/bootstrap/internal/privexec"
	"github.com/Mischa-dev/bootstrap/internal/types"
)

const (
	defaultBinary = "tailscale"
	// tailscale up waits for the control plane to accept the node.
	upTimeout     = 2 * time.Minute
	statusTimeout = 15 * time.Second
	keyFileMode   = 0o600
)

// Executor runs commands as root or as the current user.
type Executor interface {
	Run(ctx context.Context, cmd privexec.Command) (types.CommandResult, error)
	RunAsUser(ctx context.Context, cmd privexec.Command) (types.CommandResult, error)
}

// Client wraps the tailscale command line.
type Client struct {
	exec   Executor
	binary string
}

// New returns a Client that runs binary through exec. An empty binary means
// "tailscale" on PATH.
func New(exec Executor, binary string) *Client {
	if binary == "" {
		binary = defaultBinary
	}
	return &Client{exec: exec, binary: binary}
}

// Status reports the local device state. Reading status needs no privileges.
func (c *Client) Status(ctx context.Context) (*analyzer.DeviceState, error) {
	result, err := c.exec.RunAsUser(ctx, privexec.Command{
		Name:    c.binary,
		Args:    []string{"status", "--json", "--peers=false"},
		Timeout: statusTimeout,
	})
	// The client exits non-zero when logged out but still prints JSON.
	if err != nil && !privexec.IsCommandFailure(err) {
		return nil, fmt.Errorf("failed to query device status: %w", err)
	}

	state, parseErr := analyzer.ParseStatus([]byte(result.Stdout))
	if parseErr != nil {
		if err != nil {
			return nil, fmt.Errorf("failed to query device status: %w", err)
		}
		return nil, fmt.Errorf("failed to read device status: %w", parseErr)
	}
	log.Printf("[DEBUG] Device %s: backend %s, tags %v", state.HostName, state.BackendState, state.Tags)
	return state, nil
}

// Enroll joins the tailnet with authKey. The key is handed to the client
// through a 0600 file so that it never appears in a process argument list,
// and it is masked in all logs.
func (c *Client) Enroll(ctx context.Context, authKey string) error {
	authKey = strings.TrimSpace(authKey)
	if authKey == "" {
		return errors.New("auth key is empty")
	}

	keyFile, err := writeKeyFile(authKey)
	if err != nil {
		return fmt.Errorf("failed to enroll device: %w", err)
	}
	defer func() {
		if err := os.Remove(keyFile); err != nil && !os.IsNotExist(err) {
			log.Printf("[WARN] Failed to remove auth key file %s: %v", keyFile, err)
		}
	}()

	_, err = c.exec.Run(ctx, privexec.Command{
		Name:    c.binary,
		Args:    []string{"up", "--auth-key=file:" + keyFile},
		Redact:  []string{authKey},
		Timeout: upTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to enroll device: %w", err)
	}
	log.Print("[INFO] Device enrolled")
	return nil
}

func writeKeyFile(authKey string) (string, error) {
	file, err := os.CreateTemp("", "tailscale-authkey-*")
	if err != nil {
		return "", fmt.Errorf("failed to create auth key file: %w", err)
	}
	path := file.Name()
	if err := file.Chmod(keyFileMode); err == nil {
		_, err = file.WriteString(authKey)
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path) //nolint:errcheck // already failing
		return "", fmt.Errorf("failed to write auth key file: %w", err)
	}
	return path, nil
}

// EnableSSH turns on the client's SSH server. Repeating it is harmless.
func (c *Client) EnableSSH(ctx context.Context) error {
	if _, err := c.exec.Run(ctx, privexec.Command{
		Name:    c.binary,
		Args:    []string{"set", "--ssh"},
		Timeout: statusTimeout,
	}); err != nil {
		return fmt.Errorf("failed to enable SSH: %w", err)
	}
	return nil
}

// AdvertiseTags sets the device's advertised tags to exactly tags. SSH stays
// enabled.
func (c *Client) AdvertiseTags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return errors.New("no tags to advertise")
	}
	if _, err := c.exec.Run(ctx, privexec.Command{
		Name:    c.binary,
		Args:    []string{"up", "--ssh", "--advertise-tags=" + strings.Join(tags, ",")},
		Timeout: upTimeout,
	}); err != nil {
		return fmt.Errorf("failed to advertise tags %v: %w", tags, err)
	}
	log.Printf("[INFO] Advertised tags %v", tags)
	return nil
}
