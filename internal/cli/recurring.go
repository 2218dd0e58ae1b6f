package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"brainsched/internal/app"
	"brainsched/internal/control"
	"brainsched/internal/task"
)

// AddRecurringCommand adds the recurring command group to the root command.
func AddRecurringCommand(root *cobra.Command, g *GlobalFlags) {
	cmd := &cobra.Command{
		Use:     "recurring",
		Aliases: []string{"rec"},
		Short:   "Manage recurring task definitions",
		Long: `Commands for recurring definitions. The heartbeat materializes a task
from each active definition when it falls due.

Examples:
  brainsched recurring add --brain ops --title digest --pattern daily --notify
  brainsched recurring add --brain ops --title sweep --pattern custom --cron "*/15 * * * *"
  brainsched recurring add --brain ops --title poll --pattern custom --interval 45
  brainsched recurring toggle 3a9e...
  brainsched recurring due`,
	}
	cmd.AddCommand(
		newRecurringAddCmd(g),
		newRecurringListCmd(g),
		newRecurringGetCmd(g),
		newRecurringUpdateCmd(g),
		newRecurringToggleCmd(g),
		newRecurringDeleteCmd(g),
		newRecurringRunCmd(g),
		newRecurringDueCmd(g),
	)
	root.AddCommand(cmd)
}

func printRecurring(w io.Writer, g *GlobalFlags, r *task.Recurring) error {
	if g.Output == OutputJSON {
		return writeJSON(w, newRecurringView(r))
	}
	displayRecurring(w, r)
	return nil
}

func printRecurringList(w io.Writer, g *GlobalFlags, defs []*task.Recurring) error {
	if g.Output == OutputJSON {
		views := make([]recurringView, 0, len(defs))
		for _, r := range defs {
			views = append(views, newRecurringView(r))
		}
		return writeJSON(w, views)
	}
	displayRecurringList(w, defs)
	return nil
}

type recurringAddFlags struct {
	brain       string
	title       string
	description string
	model       string
	pattern     string
	cron        string
	interval    int
	inactive    bool
	notify      bool
	report      bool
	reportDelay int
}

func newRecurringAddCmd(g *GlobalFlags) *cobra.Command {
	flags := &recurringAddFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a recurring definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRecurringAdd(cmd.Context(), cmd.OutOrStdout(), g, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.brain, "brain", "b", "", "owning brain id")
	cmd.Flags().StringVarP(&flags.title, "title", "t", "", "title of the materialized tasks")
	cmd.Flags().StringVarP(&flags.description, "description", "d", "", "description of the materialized tasks")
	cmd.Flags().StringVar(&flags.model, "model", "", "model override for the materialized tasks")
	cmd.Flags().StringVarP(&flags.pattern, "pattern", "p", "daily", "daily, weekly, monthly or custom")
	cmd.Flags().StringVar(&flags.cron, "cron", "", "cron expression for the custom pattern")
	cmd.Flags().IntVar(&flags.interval, "interval", 0, "interval in minutes for the custom pattern")
	cmd.Flags().BoolVar(&flags.inactive, "inactive", false, "create the definition switched off")
	cmd.Flags().BoolVar(&flags.notify, "notify", false, "materialized tasks send notifications")
	cmd.Flags().BoolVar(&flags.report, "report", false, "plan a report task after each completed run")
	cmd.Flags().IntVar(&flags.reportDelay, "report-delay", 0, "minutes between completion and the report task")
	_ = cmd.MarkFlagRequired("brain")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func runRecurringAdd(ctx context.Context, w io.Writer, g *GlobalFlags, flags *recurringAddFlags) error {
	p, err := task.ParsePattern(flags.pattern)
	if err != nil {
		return err
	}
	def := &task.Recurring{
		BrainID:            strings.TrimSpace(flags.brain),
		Title:              flags.title,
		Description:        flags.description,
		ModelOverride:      flags.model,
		Pattern:            p,
		CronExpression:     strings.TrimSpace(flags.cron),
		IntervalMinutes:    flags.interval,
		Active:             !flags.inactive,
		SendNotification:   flags.notify,
		TriggersReport:     flags.report,
		ReportDelayMinutes: flags.reportDelay,
	}
	return withApp(g, func(a *app.App) error {
		created, err := a.Control().CreateRecurring(ctx, actor, def)
		if err != nil {
			return err
		}
		return printRecurring(w, g, created)
	})
}

func newRecurringListCmd(g *GlobalFlags) *cobra.Command {
	var brainID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recurring definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(g, func(a *app.App) error {
				defs, err := a.Control().ListRecurring(cmd.Context(), brainID)
				if err != nil {
					return err
				}
				return printRecurringList(cmd.OutOrStdout(), g, defs)
			})
		},
	}
	cmd.Flags().StringVarP(&brainID, "brain", "b", "", "filter by brain id")
	return cmd
}

func newRecurringGetCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one recurring definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app.App) error {
				def, err := a.Control().GetRecurring(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printRecurring(cmd.OutOrStdout(), g, def)
			})
		},
	}
}

type recurringUpdateFlags struct {
	title       string
	description string
	model       string
	notify      bool
	report      bool
	reportDelay int
}

func newRecurringUpdateCmd(g *GlobalFlags) *cobra.Command {
	flags := &recurringUpdateFlags{}
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a recurring definition",
		Long: `Edit the descriptive fields of a recurring definition. Only the flags
given are changed. The schedule itself is fixed; delete and re-add to change it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := recurringPatchFromFlags(cmd, flags)
			return withApp(g, func(a *app.App) error {
				def, err := a.Control().UpdateRecurring(cmd.Context(), actor, args[0], p)
				if err != nil {
					return err
				}
				return printRecurring(cmd.OutOrStdout(), g, def)
			})
		},
	}
	cmd.Flags().StringVarP(&flags.title, "title", "t", "", "new title")
	cmd.Flags().StringVarP(&flags.description, "description", "d", "", "new description")
	cmd.Flags().StringVar(&flags.model, "model", "", "new model override")
	cmd.Flags().BoolVar(&flags.notify, "notify", false, "materialized tasks send notifications")
	cmd.Flags().BoolVar(&flags.report, "report", false, "plan a report task after each completed run")
	cmd.Flags().IntVar(&flags.reportDelay, "report-delay", 0, "minutes between completion and the report task")
	return cmd
}

func recurringPatchFromFlags(cmd *cobra.Command, flags *recurringUpdateFlags) control.RecurringPatch {
	var p control.RecurringPatch
	changed := cmd.Flags().Changed
	if changed("title") {
		p.Title = &flags.title
	}
	if changed("description") {
		p.Description = &flags.description
	}
	if changed("model") {
		p.ModelOverride = &flags.model
	}
	if changed("notify") {
		p.SendNotification = &flags.notify
	}
	if changed("report") {
		p.TriggersReport = &flags.report
	}
	if changed("report-delay") {
		p.ReportDelayMinutes = &flags.reportDelay
	}
	return p
}

func newRecurringToggleCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <id>",
		Short: "Switch a definition on or off",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			return withApp(g, func(a *app.App) error {
				active, err := a.Control().ToggleRecurring(cmd.Context(), actor, args[0])
				if err != nil {
					return err
				}
				if g.Output == OutputJSON {
					return writeJSON(w, map[string]any{"id": args[0], "active": active})
				}
				state := "inactive"
				if active {
					state = "active"
				}
				_, err = fmt.Fprintf(w, "%s is now %s\n", args[0], state)
				return err
			})
		},
	}
}

func newRecurringDeleteCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a recurring definition",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app.App) error {
				if err := a.Control().DeleteRecurring(cmd.Context(), actor, args[0]); err != nil {
					return err
				}
				return printDone(cmd.OutOrStdout(), g, "deleted", args[0])
			})
		},
	}
}

func newRecurringRunCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Materialize a task from a definition now",
		Long: `Materialize a task from a definition now and advance its schedule. The
task is created READY; the next heartbeat (or "task run") executes it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app.App) error {
				t, err := a.Control().RunRecurringNow(cmd.Context(), actor, args[0])
				if err != nil {
					return err
				}
				return printTask(cmd.OutOrStdout(), g, t)
			})
		},
	}
}

func newRecurringDueCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "due",
		Short: "List active definitions whose next run has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(g, func(a *app.App) error {
				defs, err := a.Control().DueRecurring(cmd.Context())
				if err != nil {
					return err
				}
				return printRecurringList(cmd.OutOrStdout(), g, defs)
			})
		},
	}
}
