package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/jotrip/internal/syncengine"
	"github.com/spf13/cobra"
)

func newConfigureCommand() *cobra.Command {
	var (
		serverURL  string
		username   string
		password   string
		passphrase string
		disable    bool
	)
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Store sync server settings in the local database",
		Long: "Store sync server settings in the local database. Flags left empty keep " +
			"their stored value. The password becomes the account credential on first " +
			"contact with the server; the passphrase never leaves this device.",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp()
			if err != nil {
				return err
			}
			defer application.Close()

			ctx := cmd.Context()
			settings, err := syncengine.LoadSettings(ctx, application.store)
			if err != nil {
				return err
			}
			if serverURL != "" {
				settings.BaseURL = serverURL
			}
			if username != "" {
				settings.Username = username
			}
			if password != "" {
				settings.Password = password
			}
			if passphrase != "" {
				settings.Passphrase = passphrase
			}
			settings.Enabled = !disable
			if err := syncengine.SaveSettings(ctx, application.store, settings); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case !settings.Enabled:
				fmt.Fprintln(out, "sync disabled")
			case !settings.Complete():
				fmt.Fprintln(out, "sync settings saved but incomplete; url, username, password and passphrase are required")
			default:
				fmt.Fprintf(out, "sync enabled for %s at %s\n", settings.Username, settings.BaseURL)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "url", "", "Sync server base URL")
	cmd.Flags().StringVar(&username, "username", "", "Account id on the sync server")
	cmd.Flags().StringVar(&password, "password", "", "Account password")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "Encryption passphrase")
	cmd.Flags().BoolVar(&disable, "disable", false, "Disable sync while keeping the stored settings")
	return cmd
}
