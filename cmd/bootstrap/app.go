package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/Mischa-dev/bootstrap/internal/config"
	"github.com/Mischa-dev/bootstrap/internal/credential"
	"github.com/Mischa-dev/bootstrap/internal/gitstore"
	"github.com/Mischa-dev/bootstrap/internal/meshclient"
	"github.com/Mischa-dev/bootstrap/internal/privexec"
	"github.com/Mischa-dev/bootstrap/internal/provision"
	"github.com/Mischa-dev/bootstrap/internal/tailnet"
)

const userAgent = "bootstrap/1"

// asker reads a plain answer from the operator.
type asker interface {
	Ask(ctx context.Context, label string) (string, error)
}

// app holds the resolved settings and the components built from them.
// Components are created on first use so that commands which never elevate
// never touch sudo or the credential file.
type app struct {
	prompter     credential.Prompter
	asker        asker
	// newPolicyAPI is replaced in tests.
	newPolicyAPI func(settings config.Settings) (provision.PolicyAPI, error)
	sudo         *privexec.Sudo
	creds        *credential.Store
	executor     *privexec.Executor
	settings     config.Settings
}

func newApp() *app {
	terminal := credential.NewTerminalPrompter()
	return &app{
		prompter:     terminal,
		asker:        terminal,
		newPolicyAPI: newTailnetClient,
	}
}

func newTailnetClient(settings config.Settings) (provision.PolicyAPI, error) {
	return tailnet.New(settings.Tailnet, settings.APIKey,
		tailnet.WithBaseURL(settings.APIURL),
		tailnet.WithUserAgent(userAgent))
}

func (a *app) elevation() (*privexec.Sudo, *credential.Store, *privexec.Executor) {
	if a.executor == nil {
		runner := privexec.ExecRunner{}
		a.sudo = privexec.NewSudo(runner)
		a.creds = credential.New(a.sudo, a.prompter, credential.Options{
			Path:        a.settings.CredentialPath,
			MaxAttempts: a.settings.PromptAttempts,
		})
		a.executor = privexec.NewExecutor(runner, a.sudo, a.creds)
	}
	return a.sudo, a.creds, a.executor
}

func (a *app) device() *meshclient.Client {
	_, _, executor := a.elevation()
	return meshclient.New(executor, "")
}

func (a *app) installer() (*Installer, error) {
	tooling, err := config.ParseTooling(toolingRules)
	if err != nil {
		return nil, err
	}
	_, _, executor := a.elevation()
	return NewInstaller(executor, a.device(), tooling), nil
}

// policyAPI returns the control plane client, asking for the API key when
// none is configured.
func (a *app) policyAPI(ctx context.Context) (provision.PolicyAPI, error) {
	if err := a.require(ctx, &a.settings.Tailnet, "Tailnet: ", "tailnet", config.EnvTailnet); err != nil {
		return nil, err
	}
	if a.settings.APIKey == "" {
		key, err := a.prompter.Prompt(ctx, "Tailscale API key: ")
		if err != nil {
			if errors.Is(err, credential.ErrNoTerminal) {
				return nil, fmt.Errorf("missing required settings: API key (%s)", config.EnvAPIKey)
			}
			return nil, err
		}
		a.settings.APIKey = strings.TrimSpace(string(key))
	}
	return a.newPolicyAPI(a.settings)
}

// require asks the operator for a missing setting. Without a terminal the
// setting stays missing and is reported as such.
func (a *app) require(ctx context.Context, value *string, label, name, env string) error {
	if *value != "" {
		return nil
	}
	answer, err := a.asker.Ask(ctx, label)
	if err != nil && !errors.Is(err, credential.ErrNoTerminal) {
		return err
	}
	if answer = strings.TrimSpace(answer); answer == "" {
		return fmt.Errorf("missing required settings: %s (%s)", name, env)
	}
	*value = answer
	return nil
}

// history opens the policy history repository, if one is configured.
// Failing to open it only disables history.
func (a *app) history(ctx context.Context) *gitstore.Store {
	if a.settings.HistoryRepo == "" {
		return nil
	}
	store, err := gitstore.New(ctx, a.settings.HistoryRepo)
	if err != nil {
		log.Printf("[WARN] Policy history disabled: %v", err)
		return nil
	}
	return store
}

func (a *app) provisionOptions(dryRun bool) provision.Options {
	return provision.Options{
		Tailnet:     a.settings.Tailnet,
		Tag:         a.settings.Tag,
		Owners:      a.settings.Owners,
		GrantSource: a.settings.GrantSource,
		GrantUsers:  a.settings.GrantUsers,
		KeyExpiry:   a.settings.KeyExpiry,
		DryRun:      dryRun,
	}
}

func (a *app) close() {
	if a.creds != nil {
		_ = a.creds.Close() //nolint:errcheck // zeroing memory, nothing to report
	}
}
