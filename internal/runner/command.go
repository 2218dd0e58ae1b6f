// Package runner performs the actual work of a task by handing it to an
// external agent command.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"brainsched/internal/task"
	"brainsched/internal/task/engine"
	logx "brainsched/pkg/logx"
)

// CommandConfig describes one agent CLI identity.
type CommandConfig struct {
	Command string
	Args    []string
	// ModelFlag is placed before the model name, e.g. "--model".
	ModelFlag string
	// Model is used when a task carries no ModelOverride.
	Model   string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// CommandRunner spawns the agent CLI once per task. The prompt goes to stdin
// and trimmed stdout becomes the task output.
type CommandRunner struct {
	cfg CommandConfig
	log logx.Logger
}

func NewCommand(cfg CommandConfig, log logx.Logger) *CommandRunner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandRunner{cfg: cfg, log: log}
}

// Name identifies the runner in logs.
func (r *CommandRunner) Name() string {
	if r.cfg.Model != "" {
		return r.cfg.Command + ":" + r.cfg.Model
	}
	return r.cfg.Command
}

func (r *CommandRunner) Execute(ctx context.Context, t *task.Task) error {
	if strings.TrimSpace(r.cfg.Command) == "" {
		return engine.NoRetry(errors.New("runner command is empty"))
	}
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	args := append([]string(nil), r.cfg.Args...)
	model := t.ModelOverride
	if model == "" {
		model = r.cfg.Model
	}
	if model != "" && r.cfg.ModelFlag != "" {
		args = append(args, r.cfg.ModelFlag, model)
	}

	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)
	cmd.Stdin = strings.NewReader(BuildPrompt(t))
	if r.cfg.Dir != "" {
		cmd.Dir = r.cfg.Dir
	}
	if len(r.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.cfg.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Grandchildren may hold the pipes open after the agent is killed.
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	err := cmd.Run()
	t.Output = strings.TrimSpace(stdout.String())
	r.log.Debug("runner finished",
		logx.String("runner", r.Name()),
		logx.String("task", t.ID),
		logx.Duration("took", time.Since(start)),
		logx.Int("stdout_bytes", stdout.Len()),
	)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", r.Name(), ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%s exited with code %d: %s", r.Name(), exitErr.ExitCode(), tail(stderr.String(), 500))
	}
	return fmt.Errorf("%s: %w", r.Name(), err)
}

// BuildPrompt renders the instructions sent to the agent: title, description
// and payload entries sorted by key.
func BuildPrompt(t *task.Task) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(t.Title))
	if d := strings.TrimSpace(t.Description); d != "" {
		b.WriteString("\n\n")
		b.WriteString(d)
	}
	if len(t.Payload) > 0 {
		keys := make([]string, 0, len(t.Payload))
		for k := range t.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n\nContext:")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %v", k, t.Payload[k])
		}
	}
	b.WriteString("\n")
	return b.String()
}

// tail keeps the last n runes of s.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "..." + string(r[len(r)-n:])
}

var _ engine.Runner = (*CommandRunner)(nil)
