package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/Mischa-dev/bootstrap/internal/notify"
)

func newToolingCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tooling",
		Short: "Manage the local tools the workflow depends on",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Install missing tools and start the Tailscale daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start := time.Now()
			installer, err := a.installer()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			notify.Activityf(out, "checking tools")
			if err := installer.EnsureTools(cmd.Context()); err != nil {
				return err
			}
			notify.Activityf(out, "checking the Tailscale client and daemon")
			if err := installer.EnsureMeshClient(cmd.Context()); err != nil {
				return err
			}
			notify.SuccessSincef(out, start, "tooling ready")
			return nil
		},
	})
	return cmd
}
