package main

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/Mischa-dev/bootstrap/internal/analyzer"
	"github.com/Mischa-dev/bootstrap/internal/config"
	"github.com/Mischa-dev/bootstrap/internal/meshclient"
	"github.com/Mischa-dev/bootstrap/internal/privexec"
	"github.com/Mischa-dev/bootstrap/internal/provision"
	"github.com/Mischa-dev/bootstrap/internal/types"
)

const (
	meshTool    = "tailscale"
	meshService = "tailscaled"
	// Package managers can be slow on a fresh machine.
	installTimeout = 10 * time.Minute
	checkTimeout   = 15 * time.Second
	serviceTimeout = 1 * time.Minute
	// tailscaled needs a moment after start before the client can talk to it.
	readyAttempts = 10
	readyDelay    = 1 * time.Second
	readyMaxDelay = 5 * time.Second
)

// statusReader is the part of the mesh client the readiness wait needs.
type statusReader interface {
	Status(ctx context.Context) (*analyzer.DeviceState, error)
}

// Installer brings the machine's tools and services to the state the
// workflow needs, using the per-OS rules from tooling.yaml.
type Installer struct {
	exec          meshclient.Executor
	device        statusReader
	tooling       *config.Tooling
	lookPath      func(string) (string, error)
	goos          string
	readyDelay    time.Duration
	readyAttempts uint
}

// NewInstaller returns an Installer for the running OS.
func NewInstaller(executor meshclient.Executor, device statusReader, tooling *config.Tooling) *Installer {
	return &Installer{
		exec:          executor,
		device:        device,
		tooling:       tooling,
		lookPath:      exec.LookPath,
		goos:          runtime.GOOS,
		readyAttempts: readyAttempts,
		readyDelay:    readyDelay,
	}
}

// EnsureTools installs every tool except the mesh client, in name order.
func (i *Installer) EnsureTools(ctx context.Context) error {
	names := make([]string, 0, len(i.tooling.Tools))
	for name := range i.tooling.Tools {
		if name != meshTool {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := i.ensureTool(ctx, name, i.tooling.Tools[name]); err != nil {
			return err
		}
	}
	return nil
}

// EnsureMeshClient installs the Tailscale client, starts its daemon and
// waits until the client answers.
func (i *Installer) EnsureMeshClient(ctx context.Context) error {
	definition, ok := i.tooling.Tools[meshTool]
	if !ok {
		return fmt.Errorf("%w: no rules for %s", provision.ErrToolingMissing, meshTool)
	}
	if err := i.ensureTool(ctx, meshTool, definition); err != nil {
		return err
	}

	if service, ok := i.tooling.Services[meshService]; ok {
		if err := i.ensureService(ctx, meshService, service); err != nil {
			return err
		}
	} else {
		log.Printf("[DEBUG] No service rules for %s, assuming it is managed elsewhere", meshService)
	}

	return i.waitReady(ctx)
}

func (i *Installer) ensureTool(ctx context.Context, name string, definition config.Definition) error {
	binary := definition.Binary(name)
	if path, err := i.lookPath(binary); err == nil {
		log.Printf("[DEBUG] %s already installed at %s", name, path)
		return nil
	}

	rule, err := i.applicableRule(name, definition)
	if err != nil {
		return err
	}

	start := time.Now()
	log.Printf("[INFO] Installing %s with: %s", name, strings.Join(rule.Run, " "))
	if _, err := i.run(ctx, rule.Privileged, rule.Run, installTimeout); err != nil {
		return missing(name, rule, err)
	}

	if _, err := i.lookPath(binary); err != nil {
		return missing(name, rule, fmt.Errorf("%s not found on PATH after install", binary))
	}
	log.Printf("[INFO] Installed %s in %v", name, time.Since(start))
	return nil
}

func (i *Installer) ensureService(ctx context.Context, name string, definition config.Definition) error {
	rule, err := i.applicableRule(name, definition)
	if err != nil {
		return err
	}

	if len(rule.Check) > 0 {
		result, err := i.run(ctx, false, rule.Check, checkTimeout)
		// A non-zero exit is evidence for the evaluation, not a failure.
		if err != nil && !privexec.IsCommandFailure(err) {
			return missing(name, rule, err)
		}
		finding, err := analyzer.Evaluate(result, rule)
		if err != nil {
			return missing(name, rule, err)
		}
		if !finding.Failed {
			log.Printf("[DEBUG] Service %s already running", name)
			return nil
		}
		log.Printf("[INFO] Service %s not running: %s", name, finding.Reason)
	}

	log.Printf("[INFO] Starting %s with: %s", name, strings.Join(rule.Run, " "))
	if _, err := i.run(ctx, rule.Privileged, rule.Run, serviceTimeout); err != nil {
		return missing(name, rule, err)
	}
	return nil
}

// applicableRule returns the first rule for this OS whose required
// executable is on PATH.
func (i *Installer) applicableRule(name string, definition config.Definition) (config.Rule, error) {
	rules := definition.RulesForOS(i.goos)
	if len(rules) == 0 {
		return config.Rule{}, fmt.Errorf("%w: no rules for %s on %s", provision.ErrToolingMissing, name, i.goos)
	}
	var tried []string
	for _, rule := range rules {
		if rule.Requires == "" {
			return rule, nil
		}
		if _, err := i.lookPath(rule.Requires); err == nil {
			return rule, nil
		}
		tried = append(tried, rule.Requires)
	}
	return config.Rule{}, fmt.Errorf("%w: cannot install %s on %s, none of %v found",
		provision.ErrToolingMissing, name, i.goos, tried)
}

func (i *Installer) run(ctx context.Context, privileged bool, argv []string, timeout time.Duration) (types.CommandResult, error) {
	cmd := privexec.Command{Name: argv[0], Args: argv[1:], Timeout: timeout}
	if privileged {
		return i.exec.Run(ctx, cmd)
	}
	return i.exec.RunAsUser(ctx, cmd)
}

func (i *Installer) waitReady(ctx context.Context) error {
	if i.device == nil {
		return nil
	}
	start := time.Now()
	state, err := retry.DoWithData(func() (*analyzer.DeviceState, error) {
		return i.device.Status(ctx)
	}, retry.Attempts(i.readyAttempts), retry.Delay(i.readyDelay), retry.MaxDelay(readyMaxDelay),
		retry.Context(ctx), retry.LastErrorOnly(true))
	if err != nil {
		return fmt.Errorf("%w: %s did not become ready: %w", provision.ErrToolingMissing, meshService, err)
	}
	log.Printf("[INFO] %s ready in %v (backend %s)", meshService, time.Since(start), state.BackendState)
	return nil
}

func missing(name string, rule config.Rule, err error) error {
	err = fmt.Errorf("%w: %s: %w", provision.ErrToolingMissing, name, err)
	if len(rule.Remediation) > 0 {
		err = fmt.Errorf("%w (try: %s)", err, strings.Join(rule.Remediation, "; "))
	}
	return err
}
