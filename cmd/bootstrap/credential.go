package main

import (
	"github.com/spf13/cobra"

	"github.com/Mischa-dev/bootstrap/internal/notify"
)

func newCredentialCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Inspect or reset the stored administrator credential",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show whether a credential is stored and whether elevation is possible",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				sudo, creds, _ := a.elevation()
				out := cmd.OutOrStdout()

				notify.Titlef(out, "Administrator credential")
				if creds.Has() {
					notify.Infof(out, "stored at %s", creds.Path())
				} else {
					notify.Infof(out, "not stored (%s)", creds.Path())
				}
				switch {
				case sudo.IsPrivileged():
					notify.Successf(out, "running as root, no credential needed")
				case sudo.CanElevate(cmd.Context()):
					notify.Successf(out, "sudo works without a password")
				default:
					notify.Warningf(out, "elevation will ask for the administrator password")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Ask for the administrator password and check it, without storing it",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, creds, _ := a.elevation()
				if err := creds.Verify(cmd.Context()); err != nil {
					return err
				}
				notify.Successf(cmd.OutOrStdout(), "credential accepted")
				return nil
			},
		},
		&cobra.Command{
			Use:   "forget",
			Short: "Remove the stored administrator credential",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, creds, _ := a.elevation()
				if !creds.Has() {
					notify.Infof(cmd.OutOrStdout(), "no credential stored at %s", creds.Path())
					return nil
				}
				if err := creds.Forget(cmd.Context()); err != nil {
					return err
				}
				notify.Changef(cmd.OutOrStdout(), "removed %s", creds.Path())
				return nil
			},
		},
	)
	return cmd
}
