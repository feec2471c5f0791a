package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Mischa-dev/bootstrap/internal/config"
	"github.com/Mischa-dev/bootstrap/internal/provision"
	"github.com/Mischa-dev/bootstrap/internal/viewmodels"
)

const (
	outputText = "text"
	outputJSON = "json"
)

type accessFlags struct {
	output      string
	owners      []string
	grantSource []string
	grantUsers  []string
	dryRun      bool
}

func newAccessCmd(a *app) *cobra.Command {
	flags := &accessFlags{}

	cmd := &cobra.Command{
		Use:   "access",
		Short: "Enroll this machine and grant SSH access to its tag",
		Long: `Run the access workflow: install tooling, enroll the device, enable SSH,
advertise the tag and update the tailnet policy. With --dry-run nothing is
installed, enrolled or pushed; the report shows what would change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAccess(cmd, a, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.output, "output", "o", outputText, "report format: text or json")
	flags.registerGrant(cmd.Flags())
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "show what would change without changing anything")
	return cmd
}

// registerGrant adds the flags that shape the policy change.
func (f *accessFlags) registerGrant(fs *pflag.FlagSet) {
	fs.StringSliceVar(&f.owners, "owner", nil, "tag owner to add when the tag has none (repeatable)")
	fs.StringSliceVar(&f.grantSource, "grant-source", nil, "source principals of the SSH rule (repeatable)")
	fs.StringSliceVar(&f.grantUsers, "grant-user", nil, "login users of the SSH rule (repeatable)")
}

func (f *accessFlags) apply(cmd *cobra.Command, opts *provision.Options) {
	if cmd.Flags().Changed("owner") {
		opts.Owners = f.owners
	}
	if cmd.Flags().Changed("grant-source") {
		opts.GrantSource = f.grantSource
	}
	if cmd.Flags().Changed("grant-user") {
		opts.GrantUsers = f.grantUsers
	}
}

func runAccess(cmd *cobra.Command, a *app, flags *accessFlags) error {
	if flags.output != outputText && flags.output != outputJSON {
		return fmt.Errorf("unknown output format %q", flags.output)
	}
	ctx := cmd.Context()

	api, err := a.policyAPI(ctx)
	if err != nil {
		return err
	}
	if err := a.require(ctx, &a.settings.Tag, "Tag to grant SSH to: ", "tag", config.EnvTag); err != nil {
		return err
	}
	if err := a.settings.Validate(); err != nil {
		return err
	}
	installer, err := a.installer()
	if err != nil {
		return err
	}

	opts := a.provisionOptions(flags.dryRun)
	flags.apply(cmd, &opts)
	provisioner, err := provision.New(installer, a.device(), api, opts)
	if err != nil {
		return err
	}
	if store := a.history(ctx); store != nil {
		provisioner.WithHistory(store)
	}

	report, runErr := provisioner.Run(ctx)
	view := viewmodels.BuildRunView(report)
	if flags.output == outputJSON {
		if err := view.WriteJSON(cmd.OutOrStdout()); err != nil {
			return err
		}
	} else {
		view.WriteText(cmd.OutOrStdout())
	}

	if runErr != nil {
		return fmt.Errorf("%w: %w", errReported, runErr)
	}
	return nil
}
