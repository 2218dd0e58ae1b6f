// Package cli provides the brainsched command line: the long-running serve
// command plus one-shot operator commands over tasks, recurring definitions
// and brains.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"brainsched/internal/app"
)

// BuildInfo contains version information set at build time via ldflags.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// actor is recorded in the audit log for every mutating command.
const actor = "cli"

func newRootCmd(flags *GlobalFlags, info BuildInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "brainsched",
		Short: "Task scheduler for autonomous brains",
		Long: `brainsched keeps per-brain task queues, materializes recurring
definitions on a heartbeat and hands ready tasks to an agent command.

Run "brainsched serve" to start the daemon. The other commands operate on
the same store directly, so they need a persistent storage driver (sqlite)
to see what the daemon sees.`,
		Version: formatVersion(info),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if !IsValidOutputFormat(flags.Output) {
				return fmt.Errorf("%w: %q must be one of %v", ErrInvalidOutputFormat, flags.Output, ValidOutputFormats())
			}
			return nil
		},
		SilenceUsage: true,
	}

	AddGlobalFlags(cmd, flags)

	cmd.AddCommand(newServeCmd(flags))
	AddTaskCommand(cmd, flags)
	AddRecurringCommand(cmd, flags)
	AddBrainCommand(cmd, flags)
	cmd.AddCommand(newAuditCmd(flags))
	AddConfigCommand(cmd, flags)

	return cmd
}

func formatVersion(info BuildInfo) string {
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.Commit == "" {
		info.Commit = "none"
	}
	if info.Date == "" {
		info.Date = "unknown"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.Date)
}

// Execute runs the root command with the provided context and build info.
func Execute(ctx context.Context, info BuildInfo) error {
	flags := &GlobalFlags{}
	cmd := newRootCmd(flags, info)
	return cmd.ExecuteContext(ctx)
}

// openApp builds the app for a one-shot command. Logs go to stderr so stdout
// carries only the command result.
func openApp(flags *GlobalFlags) (*app.App, error) {
	return app.New(flags.Config, app.WithCommandLogging(flags.LogLevel))
}

// withApp opens the app, runs fn and closes it again.
func withApp(flags *GlobalFlags, fn func(a *app.App) error) error {
	a, err := openApp(flags)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(a)
}

// withDelivery is withApp for commands that execute tasks: the notifier runs
// so start and finish notifications are delivered before the app closes.
func withDelivery(ctx context.Context, flags *GlobalFlags, fn func(a *app.App) error) error {
	return withApp(flags, func(a *app.App) error {
		a.StartDelivery(ctx)
		return fn(a)
	})
}

// defaultConfigPath honors BRAINSCHED_CONFIG before the working directory.
func defaultConfigPath() string {
	if p := os.Getenv("BRAINSCHED_CONFIG"); p != "" {
		return p
	}
	return "./brainsched.yaml"
}
