package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"brainsched/internal/app"
	"brainsched/internal/control"
	"brainsched/internal/storage"
	"brainsched/internal/task"
)

// AddTaskCommand adds the task command group to the root command.
func AddTaskCommand(root *cobra.Command, g *GlobalFlags) {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage one-off tasks",
		Long: `Commands for creating, inspecting and running tasks.

Examples:
  brainsched task add --brain ops --title "rotate keys" --at 30m
  brainsched task list --brain ops --status ready
  brainsched task run 6f1c...
  brainsched task history 6f1c... -o json`,
	}
	cmd.AddCommand(
		newTaskAddCmd(g),
		newTaskListCmd(g),
		newTaskGetCmd(g),
		newTaskUpdateCmd(g),
		newTaskRunCmd(g),
		newTaskRequeueCmd(g),
		newTaskDeleteCmd(g),
		newTaskHistoryCmd(g),
	)
	root.AddCommand(cmd)
}

// parseWhen accepts RFC3339 or a duration relative to now ("30m", "+2h").
func parseWhen(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(strings.TrimPrefix(raw, "+")); err == nil {
		return now.Add(d), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339 or a duration like 30m", raw)
}

// parseDependencies reads "id" or "id:soft" / "id:hard" entries.
func parseDependencies(raw []string) ([]task.Dependency, error) {
	out := make([]task.Dependency, 0, len(raw))
	for _, r := range raw {
		id, typ, _ := strings.Cut(strings.TrimSpace(r), ":")
		dep := task.Dependency{TaskID: id, Type: task.DependencyHard}
		switch strings.ToLower(typ) {
		case "", "hard":
		case "soft":
			dep.Type = task.DependencySoft
		default:
			return nil, fmt.Errorf("dependency %q: type must be hard or soft", r)
		}
		if id == "" {
			return nil, fmt.Errorf("dependency %q: task id is required", r)
		}
		out = append(out, dep)
	}
	return out, nil
}

func parsePayload(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return m, nil
}

type retryFlags struct {
	maxAttempts int
	backoff     string
	backoffMs   int64
}

func (r *retryFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&r.maxAttempts, "max-attempts", 0, "retry up to this many attempts (0 = no retry)")
	cmd.Flags().StringVar(&r.backoff, "backoff", "fixed", "retry backoff (fixed|exponential)")
	cmd.Flags().Int64Var(&r.backoffMs, "backoff-ms", 0, "base retry delay in milliseconds")
}

func (r *retryFlags) policy() *task.RetryPolicy {
	if r.maxAttempts <= 0 {
		return nil
	}
	return &task.RetryPolicy{
		MaxAttempts: r.maxAttempts,
		BackoffType: task.BackoffType(strings.ToUpper(strings.TrimSpace(r.backoff))),
		BackoffMs:   r.backoffMs,
	}
}

func printTask(w io.Writer, g *GlobalFlags, t *task.Task) error {
	if g.Output == OutputJSON {
		return writeJSON(w, newTaskView(t))
	}
	displayTask(w, t)
	return nil
}

// ---- add ----

type taskAddFlags struct {
	brain       string
	title       string
	description string
	at          string
	model       string
	notify      bool
	payload     string
	depends     []string
	retry       retryFlags
}

func newTaskAddCmd(g *GlobalFlags) *cobra.Command {
	flags := &taskAddFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a READY task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTaskAdd(cmd.Context(), cmd.OutOrStdout(), g, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.brain, "brain", "b", "", "owning brain id")
	cmd.Flags().StringVarP(&flags.title, "title", "t", "", "task title")
	cmd.Flags().StringVarP(&flags.description, "description", "d", "", "task description")
	cmd.Flags().StringVar(&flags.at, "at", "", "earliest execution time (RFC3339 or duration from now)")
	cmd.Flags().StringVar(&flags.model, "model", "", "model override for the agent command")
	cmd.Flags().BoolVar(&flags.notify, "notify", false, "send start and finish notifications")
	cmd.Flags().StringVar(&flags.payload, "payload", "", "JSON object handed to the runner")
	cmd.Flags().StringSliceVar(&flags.depends, "depends", nil, "dependency task id, optionally suffixed :soft")
	flags.retry.register(cmd)
	_ = cmd.MarkFlagRequired("brain")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func runTaskAdd(ctx context.Context, w io.Writer, g *GlobalFlags, flags *taskAddFlags) error {
	t := &task.Task{
		BrainID:          strings.TrimSpace(flags.brain),
		Title:            flags.title,
		Description:      flags.description,
		ModelOverride:    flags.model,
		SendNotification: flags.notify,
		RetryPolicy:      flags.retry.policy(),
	}
	if flags.at != "" {
		at, err := parseWhen(flags.at, time.Now())
		if err != nil {
			return err
		}
		t.ExecuteAt = &at
	}
	var err error
	if t.Payload, err = parsePayload(flags.payload); err != nil {
		return err
	}
	if len(flags.depends) > 0 {
		if t.Dependencies, err = parseDependencies(flags.depends); err != nil {
			return err
		}
	}
	return withApp(g, func(a *app.App) error {
		created, err := a.Control().CreateTask(ctx, actor, t)
		if err != nil {
			return err
		}
		return printTask(w, g, created)
	})
}

// ---- list ----

type taskListFlags struct {
	brain     string
	status    string
	recurring string
	limit     int
}

func newTaskListCmd(g *GlobalFlags) *cobra.Command {
	flags := &taskListFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTaskList(cmd.Context(), cmd.OutOrStdout(), g, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.brain, "brain", "b", "", "filter by brain id")
	cmd.Flags().StringVarP(&flags.status, "status", "s", "", "filter by status (ready, executing, completed, failed)")
	cmd.Flags().StringVar(&flags.recurring, "recurring", "", "filter by recurring definition id")
	cmd.Flags().IntVarP(&flags.limit, "limit", "n", 50, "maximum tasks to show (0 = unlimited)")
	return cmd
}

func runTaskList(ctx context.Context, w io.Writer, g *GlobalFlags, flags *taskListFlags) error {
	f := storage.Filter{BrainID: flags.brain, RecurringID: flags.recurring, Limit: flags.limit}
	if flags.status != "" {
		st, err := task.ParseStatus(flags.status)
		if err != nil {
			return err
		}
		f.Status = st
	}
	return withApp(g, func(a *app.App) error {
		tasks, err := a.Control().ListTasks(ctx, f)
		if err != nil {
			return err
		}
		if g.Output == OutputJSON {
			views := make([]taskView, 0, len(tasks))
			for _, t := range tasks {
				views = append(views, newTaskView(t))
			}
			return writeJSON(w, views)
		}
		displayTaskList(w, tasks)
		return nil
	})
}

// ---- get ----

func newTaskGetCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app.App) error {
				t, err := a.Control().GetTask(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printTask(cmd.OutOrStdout(), g, t)
			})
		},
	}
}

// ---- update ----

type taskUpdateFlags struct {
	title       string
	description string
	at          string
	clearAt     bool
	model       string
	notify      bool
	payload     string
	depends     []string
	retry       retryFlags
}

func newTaskUpdateCmd(g *GlobalFlags) *cobra.Command {
	flags := &taskUpdateFlags{}
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Edit a task that is not executing",
		Long: `Edit a task that is not executing. Only the flags given are changed.

Examples:
  brainsched task update 6f1c... --title "rotate all keys"
  brainsched task update 6f1c... --at 2026-01-02T09:00:00Z
  brainsched task update 6f1c... --clear-at --notify=false`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := taskPatchFromFlags(cmd, flags, time.Now())
			if err != nil {
				return err
			}
			return withApp(g, func(a *app.App) error {
				t, err := a.Control().UpdateTask(cmd.Context(), actor, args[0], p)
				if err != nil {
					return err
				}
				return printTask(cmd.OutOrStdout(), g, t)
			})
		},
	}
	cmd.Flags().StringVarP(&flags.title, "title", "t", "", "new title")
	cmd.Flags().StringVarP(&flags.description, "description", "d", "", "new description")
	cmd.Flags().StringVar(&flags.at, "at", "", "new execution time (RFC3339 or duration from now)")
	cmd.Flags().BoolVar(&flags.clearAt, "clear-at", false, "make the task eligible immediately")
	cmd.Flags().StringVar(&flags.model, "model", "", "new model override")
	cmd.Flags().BoolVar(&flags.notify, "notify", false, "send start and finish notifications")
	cmd.Flags().StringVar(&flags.payload, "payload", "", "replacement JSON payload")
	cmd.Flags().StringSliceVar(&flags.depends, "depends", nil, "replacement dependencies, optionally suffixed :soft")
	flags.retry.register(cmd)
	cmd.MarkFlagsMutuallyExclusive("at", "clear-at")
	return cmd
}

// taskPatchFromFlags only sets fields whose flags were given.
func taskPatchFromFlags(cmd *cobra.Command, flags *taskUpdateFlags, now time.Time) (control.TaskPatch, error) {
	var p control.TaskPatch
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
	if changed("at") {
		at, err := parseWhen(flags.at, now)
		if err != nil {
			return p, err
		}
		p.ExecuteAt = &at
	}
	p.ClearExecuteAt = flags.clearAt
	if changed("payload") {
		m, err := parsePayload(flags.payload)
		if err != nil {
			return p, err
		}
		if m == nil {
			m = map[string]any{}
		}
		p.Payload = m
	}
	if changed("depends") {
		deps, err := parseDependencies(flags.depends)
		if err != nil {
			return p, err
		}
		p.Dependencies = deps
	}
	if changed("max-attempts") {
		p.RetryPolicy = flags.retry.policy()
		if p.RetryPolicy == nil {
			return p, errors.New("--max-attempts must be >= 1")
		}
	}
	return p, nil
}

// ---- run / requeue / delete ----

func newTaskRunCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Execute a task now, ignoring its execution time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDelivery(cmd.Context(), g, func(a *app.App) error {
				// A failed run still returns the task; show it, then fail.
				t, err := a.Control().RunTask(cmd.Context(), actor, args[0])
				if t != nil {
					if perr := printTask(cmd.OutOrStdout(), g, t); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}

func newTaskRequeueCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <id>",
		Short: "Put a finished task back to READY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app.App) error {
				t, err := a.Control().RequeueTask(cmd.Context(), actor, args[0])
				if err != nil {
					return err
				}
				return printTask(cmd.OutOrStdout(), g, t)
			})
		},
	}
}

func newTaskDeleteCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a task that is not executing",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(g, func(a *app.App) error {
				if err := a.Control().DeleteTask(cmd.Context(), actor, args[0]); err != nil {
					return err
				}
				return printDone(cmd.OutOrStdout(), g, "deleted", args[0])
			})
		},
	}
}

// printDone reports a mutation without a body to show.
func printDone(w io.Writer, g *GlobalFlags, action, id string) error {
	if g.Output == OutputJSON {
		return writeJSON(w, map[string]any{"id": id, "action": action, "ok": true})
	}
	_, err := fmt.Fprintf(w, "%s %s\n", action, id)
	return err
}

// ---- history ----

func newTaskHistoryCmd(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the status transitions of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			return withApp(g, func(a *app.App) error {
				hist, err := a.Control().TaskHistory(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				views := make([]statusChangeView, 0, len(hist))
				for _, h := range hist {
					views = append(views, statusChangeView{From: h.From, To: h.To, At: h.At, Error: h.Error})
				}
				if g.Output == OutputJSON {
					return writeJSON(w, views)
				}
				_, _ = fmt.Fprintf(w, "%-20s  %-10s  %-10s  %s\n", "AT", "FROM", "TO", "ERROR")
				for _, v := range views {
					from := string(v.From)
					if from == "" {
						from = "-"
					}
					_, _ = fmt.Fprintf(w, "%-20s  %-10s  %-10s  %s\n",
						v.At.Local().Format("2006-01-02 15:04:05"), from, v.To, truncate(v.Error, 60))
				}
				return nil
			})
		},
	}
}
