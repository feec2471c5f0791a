// Package main implements bootstrap, which grants remote SSH access to this
// machine through a Tailscale tailnet.
package main

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Mischa-dev/bootstrap/internal/config"
	"github.com/Mischa-dev/bootstrap/internal/notify"
)

//go:embed tooling.yaml
var toolingRules []byte

// Log levels recognised by the filtering writer, lowest first.
var levels = []string{"[DEBUG]", "[INFO]", "[WARN]", "[ERROR]"}

// levelWriter drops log lines below the minimum level. Lines without a
// level prefix always pass.
type levelWriter struct {
	out io.Writer
	min int
}

func (w *levelWriter) Write(p []byte) (int, error) {
	for i, level := range levels {
		if bytes.Contains(p, []byte(level+" ")) {
			if i < w.min {
				return len(p), nil
			}
			break
		}
	}
	return w.out.Write(p)
}

func setupLogging(out io.Writer, debug, verbose bool) {
	minLevel := 2 // WARN
	switch {
	case debug:
		minLevel = 0
	case verbose:
		minLevel = 1
	}
	log.SetOutput(&levelWriter{out: out, min: minLevel})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	a := newApp()
	err := newRootCmd(a).ExecuteContext(ctx)
	a.close()
	stop()

	if err != nil {
		if !errors.Is(err, errReported) {
			notify.Errorf(os.Stderr, "%s", err)
		}
		os.Exit(1)
	}
}

// errReported is returned by commands that already printed their failure.
var errReported = errors.New("failed")

// globalFlags are the flags shared by every command. Flags override the
// environment, which overrides the config file.
type globalFlags struct {
	configPath string
	envFile    string
	tailnet    string
	apiKey     string
	apiURL     string
	tag        string
	history    string
	debug      bool
	verbose    bool
}

func newRootCmd(a *app) *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Grant remote SSH access to this machine through a tailnet",
		Long: `bootstrap installs the Tailscale client, enrolls this machine in a tailnet,
enables Tailscale SSH, advertises a tag and updates the tailnet policy so that
the tag is owned and reachable over SSH. Every step checks before it acts, so
running it again is always safe.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(cmd.ErrOrStderr(), flags.debug, flags.verbose)
			settings, err := loadSettings(cmd, flags, os.Getenv)
			if err != nil {
				return err
			}
			a.settings = settings
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/bootstrap/config.yaml)")
	pf.StringVar(&flags.envFile, "env-file", ".env", "file with TS_* variables")
	pf.StringVar(&flags.tailnet, "tailnet", "", "tailnet name ("+config.EnvTailnet+")")
	pf.StringVar(&flags.apiKey, "api-key", "", "Tailscale API key ("+config.EnvAPIKey+")")
	pf.StringVar(&flags.apiURL, "api-url", "", "Tailscale API base URL ("+config.EnvAPIURL+")")
	pf.StringVar(&flags.tag, "tag", "", "tag to advertise and grant SSH to ("+config.EnvTag+")")
	pf.StringVar(&flags.history, "history", "", "git repository recording policy revisions")
	pf.BoolVar(&flags.debug, "debug", false, "enable debug logging")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "enable info logging")

	cmd.AddCommand(
		newAccessCmd(a),
		newCredentialCmd(a),
		newPolicyCmd(a),
		newToolingCmd(a),
	)
	return cmd
}

// loadSettings resolves settings from defaults, config file, .env and
// environment, and flags, in increasing precedence.
func loadSettings(cmd *cobra.Command, flags *globalFlags, getenv func(string) string) (config.Settings, error) {
	envRequired := cmd.Flags().Changed("env-file")
	if err := config.LoadDotEnv(flags.envFile, envRequired); err != nil {
		return config.Settings{}, err
	}

	path := flags.configPath
	required := path != ""
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			log.Printf("[WARN] %v", err)
			path = ""
		}
	}
	settings, err := config.Load(path, required)
	if err != nil {
		return config.Settings{}, err
	}

	settings.ApplyEnv(getenv)

	changed := cmd.Flags().Changed
	if changed("tailnet") {
		settings.Tailnet = strings.TrimSpace(flags.tailnet)
	}
	if changed("api-key") {
		settings.APIKey = strings.TrimSpace(flags.apiKey)
	}
	if changed("api-url") {
		settings.APIURL = strings.TrimSpace(flags.apiURL)
	}
	if changed("tag") {
		settings.Tag = strings.TrimSpace(flags.tag)
	}
	if changed("history") {
		settings.HistoryRepo = strings.TrimSpace(flags.history)
	}
	return settings, nil
}
