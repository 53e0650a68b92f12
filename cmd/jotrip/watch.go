package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/jotrip/internal/remote"
	"github.com/MarcoPoloResearchLab/jotrip/internal/scheduler"
	"github.com/MarcoPoloResearchLab/jotrip/internal/syncerr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	eventsInitialBackoff = time.Second
	eventsMaxBackoff     = time.Minute
)

func newWatchCommand() *cobra.Command {
	var followEvents bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the local database in sync until interrupted",
		Long: "Keep the local database in sync until interrupted. Reconciliation runs at " +
			"startup, on the configured interval, on SIGUSR1 (manual) and SIGCONT " +
			"(resume), and whenever the server reports a change from another device.",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := openApp()
			if err != nil {
				return err
			}
			defer application.Close()

			out := cmd.OutOrStdout()
			syncScheduler, err := application.newScheduler(func(completion scheduler.Completion) {
				printCompletion(out, completion)
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGUSR1, syscall.SIGCONT)
			defer signal.Stop(signals)
			go forwardSignals(ctx, signals, syncScheduler)

			if followEvents {
				go application.followEvents(ctx, syncScheduler)
			}

			application.logger.Info("watching for changes", zap.Duration("interval", application.config.SyncInterval))
			if err := syncScheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			fmt.Fprintln(out, "stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&followEvents, "events", true, "Reconcile when the server streams a change from another device")
	return cmd
}

func forwardSignals(ctx context.Context, signals <-chan os.Signal, syncScheduler *scheduler.Scheduler) {
	for {
		select {
		case <-ctx.Done():
			return
		case received := <-signals:
			switch received {
			case syscall.SIGUSR1:
				syncScheduler.Request(scheduler.ReasonManual)
			case syscall.SIGCONT:
				syncScheduler.Request(scheduler.ReasonVisibility)
			}
		}
	}
}

// followEvents keeps an event stream open and requests a reconciliation for
// every change. Dropped streams reconnect with exponential backoff.
func (a *app) followEvents(ctx context.Context, syncScheduler *scheduler.Scheduler) {
	backoff := eventsInitialBackoff
	for ctx.Err() == nil {
		client, err := a.activeRemote(ctx)
		if err == nil {
			var changes <-chan remote.Change
			changes, err = client.Events(ctx)
			if err == nil {
				backoff = eventsInitialBackoff
				for change := range changes {
					a.logger.Debug("remote change", zap.String("key", change.Key), zap.String("kind", change.Kind))
					syncScheduler.Request(scheduler.ReasonRemote)
				}
			}
		}
		if err != nil {
			level := a.logger.Debug
			if errors.Is(err, syncerr.ErrAuth) {
				level = a.logger.Warn
			}
			level("event stream unavailable", zap.Error(err), zap.Duration("retry_in", backoff))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > eventsMaxBackoff {
			backoff = eventsMaxBackoff
		}
	}
}
