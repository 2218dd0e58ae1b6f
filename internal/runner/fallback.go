package runner

import (
	"context"
	"regexp"
	"strings"

	"brainsched/internal/task"
	"brainsched/internal/task/engine"
	logx "brainsched/pkg/logx"
)

// DefaultFatalPatterns match agent output that means the primary identity
// cannot do any work right now.
var DefaultFatalPatterns = []string{
	`(?i)credit balance is too low`,
	`(?i)usage limit reached`,
	`(?i)invalid api key`,
	`(?i)please run /login`,
	`(?i)overloaded_error`,
}

// FallbackRunner runs the primary runner and, when its output or error text
// looks fatal, runs the fallback exactly once for the same execution.
type FallbackRunner struct {
	primary  engine.Runner
	fallback engine.Runner
	fatal    []*regexp.Regexp
	log      logx.Logger
}

// NewFallback compiles patterns; an empty list selects DefaultFatalPatterns.
func NewFallback(primary, fallback engine.Runner, patterns []string, log logx.Logger) (*FallbackRunner, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if len(patterns) == 0 {
		patterns = DefaultFatalPatterns
	}
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		res = append(res, re)
	}
	return &FallbackRunner{primary: primary, fallback: fallback, fatal: res, log: log}, nil
}

func (r *FallbackRunner) Execute(ctx context.Context, t *task.Task) error {
	err := r.primary.Execute(ctx, t)
	if r.fallback == nil || ctx.Err() != nil || !r.isFatal(t.Output, err) {
		return err
	}

	fields := []logx.Field{logx.String("task", t.ID), logx.String("output", tail(t.Output, 200))}
	if err != nil {
		fields = append(fields, logx.Err(err))
	}
	r.log.Warn("primary runner returned fatal output; using fallback", fields...)

	t.Output = ""
	return r.fallback.Execute(ctx, t)
}

// isFatal reports whether output or err matches a fatal pattern.
func (r *FallbackRunner) isFatal(output string, err error) bool {
	texts := []string{output}
	if err != nil {
		texts = append(texts, err.Error())
	}
	for _, s := range texts {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		for _, re := range r.fatal {
			if re.MatchString(s) {
				return true
			}
		}
	}
	return false
}

var _ engine.Runner = (*FallbackRunner)(nil)
