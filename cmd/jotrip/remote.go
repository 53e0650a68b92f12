package main

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/jotrip/internal/syncengine"
	"github.com/spf13/cobra"
)

var errWipeNotConfirmed = errors.New("refusing to wipe without --yes")

func newRemoteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Inspect or reset the account on the sync server",
	}
	cmd.AddCommand(newRemoteHealthCommand(), newRemoteWipeCommand())
	return cmd
}

func newRemoteHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the sync server is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp()
			if err != nil {
				return err
			}
			defer application.Close()

			client, err := application.activeRemote(cmd.Context())
			if err != nil {
				return err
			}
			if err := client.Health(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newRemoteWipeCommand() *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete every blob and change entry of the account on the server",
		Long: "Delete every blob and change entry of the account on the server. The " +
			"account credential and the local database are kept, and the local sync " +
			"cursor is reset so the next sync uploads every local record.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return errWipeNotConfirmed
			}
			application, err := openApp()
			if err != nil {
				return err
			}
			defer application.Close()

			client, err := application.activeRemote(cmd.Context())
			if err != nil {
				return err
			}
			if err := client.Wipe(cmd.Context()); err != nil {
				return err
			}
			if err := syncengine.ResetSyncState(cmd.Context(), application.store); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "remote data wiped; the next sync uploads every local record")
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm the wipe")
	return cmd
}
