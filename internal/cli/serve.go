package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"brainsched/internal/app"
	logx "brainsched/pkg/logx"
	"brainsched/pkg/systemd"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon until interrupted",
		Long: `Run the heartbeat, the notifier and the optional debug server until
SIGINT or SIGTERM. Config file edits are applied live where possible.

Under systemd (Type=notify) the daemon reports READY, STOPPING and status
lines, and pings the watchdog when WatchdogSec is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var opts []app.Option
			if cmd.Flags().Changed("log-level") {
				opts = append(opts, app.WithCommandLogging(g.LogLevel))
			}
			a, err := app.New(g.Config, opts...)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), a)
		},
	}
}

func runServe(ctx context.Context, a *app.App) error {
	log := a.Logger()
	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		return err
	}

	if _, err := systemd.Ready(); err != nil {
		log.Warn("systemd notify failed", logx.Err(err))
	}
	_, _ = systemd.Status("running")

	wdCtx, stopWatchdog := context.WithCancel(ctx)
	wdDone := make(chan struct{})
	go func() {
		defer close(wdDone)
		if err := systemd.Watchdog(wdCtx, func() bool { return a.Err() == nil }, log); err != nil {
			log.Warn("systemd watchdog", logx.Err(err))
		}
	}()

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	stopWatchdog()
	<-wdDone

	_, _ = systemd.Stopping()
	_, _ = systemd.Status("stopping: " + string(reason))

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return errors.Join(a.Err(), stopErr)
	}
	return stopErr
}
