package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/MarcoPoloResearchLab/jotrip/internal/scheduler"
	"github.com/MarcoPoloResearchLab/jotrip/internal/syncengine"
	"github.com/MarcoPoloResearchLab/jotrip/internal/syncerr"
	"github.com/spf13/cobra"
)

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation with the sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp()
			if err != nil {
				return err
			}
			defer application.Close()

			syncScheduler, err := application.newScheduler(nil)
			if err != nil {
				return err
			}
			completion, err := syncScheduler.Trigger(cmd.Context(), scheduler.ReasonManual)
			if err != nil {
				return err
			}
			printCompletion(cmd.OutOrStdout(), completion)
			if completion.Err == nil {
				if err := reportDeadLetters(cmd.Context(), cmd.OutOrStdout(), application.store); err != nil {
					return err
				}
			}

			switch {
			case completion.Skipped():
				return nil
			case errors.Is(completion.Err, syncerr.ErrAuth):
				return fmt.Errorf("credentials rejected by the sync server; run jotrip configure: %w", completion.Err)
			default:
				return completion.Err
			}
		},
	}
}

func printCompletion(out io.Writer, completion scheduler.Completion) {
	if completion.Skipped() {
		fmt.Fprintln(out, "sync is not configured; run jotrip configure")
		return
	}
	if completion.Err != nil {
		fmt.Fprintf(out, "sync failed: %v\n", completion.Err)
		return
	}
	result := completion.Result
	fmt.Fprintf(out, "sync complete: %d changes, %d applied, %d stale, %d deleted, %d failed, %d pushed\n",
		result.Changes, result.Applied, result.Stale, result.Deleted, result.Failed, result.Pushed)
	if result.Recovered > 0 {
		fmt.Fprintf(out, "recovered %d previously failed changes\n", result.Recovered)
	}
}

// reportDeadLetters prints changes that keep failing to apply.
func reportDeadLetters(ctx context.Context, out io.Writer, store syncengine.MetaStore) error {
	letters, err := syncengine.DeadLetters(ctx, store)
	if err != nil {
		return err
	}
	for _, letter := range letters {
		fmt.Fprintf(out, "unresolved %s after %d attempts: %s\n", letter.Key, letter.Attempts, letter.LastError)
	}
	return nil
}
