package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/holon-run/restspawner/pkg/preflight"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Delete the user's lab",
	Long:  `Delete the user's lab. Stopping a lab that does not exist succeeds.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.spawner.Stop(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "stopped")
		return nil
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Report whether the user's lab is alive",
	Long: `Report the liveness of the user's lab as one of:

  running        the lab exists and has not failed
  exited-clean   there is no lab
  exited-failed  the lab exists but the controller reports it failed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		state, err := a.spawner.Poll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), state)
		return nil
	},
}

var urlCmd = &cobra.Command{
	Use:   "url",
	Short: "Print the internal URL of the user's lab",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		url := a.spawner.URL(cmd.Context())
		if url == "" {
			return fmt.Errorf("no lab URL known for %s", v.GetString("user"))
		}
		fmt.Fprintln(cmd.OutOrStdout(), url)
		return nil
	},
}

var formCmd = &cobra.Command{
	Use:   "form",
	Short: "Print the lab options form offered to the user",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		form, err := a.spawner.OptionsForm(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), form)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify credentials and controller access",
	Long: `Verify that the admin token can be read, that the user token is present,
and that the controller answers an admin lab lookup for the user.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		checker := preflight.NewChecker(preflight.Config{
			Client:    a.client,
			Admin:     a.admin,
			User:      a.user,
			UserToken: a.userToken,
		})
		results, err := checker.Run(cmd.Context())
		for _, r := range results {
			fmt.Fprintf(cmd.OutOrStdout(), "%-5s %-12s %s\n", r.Level, r.Name, r.Message)
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(stopCmd, pollCmd, urlCmd, formCmd, checkCmd)
}
