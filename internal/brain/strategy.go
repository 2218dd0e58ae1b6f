package brain

import (
	"strings"

	"brainsched/internal/task"
)

// Strategy shapes a task right before the runner sees it. It works on a copy;
// nothing it changes is persisted.
type Strategy interface {
	Name() string
	Prepare(t *task.Task)
}

// PassThrough hands tasks to the runner unchanged.
type PassThrough struct{}

func (PassThrough) Name() string       { return "passthrough" }
func (PassThrough) Prepare(*task.Task) {}

// Persona prefixes every task with a fixed preamble and supplies a default
// model when the task has none.
type Persona struct {
	Preamble string
	Model    string
}

func (Persona) Name() string { return "persona" }

func (p Persona) Prepare(t *task.Task) {
	if t.ModelOverride == "" {
		t.ModelOverride = p.Model
	}
	pre := strings.TrimSpace(p.Preamble)
	if pre == "" {
		return
	}
	if strings.TrimSpace(t.Description) == "" {
		t.Description = pre
		return
	}
	t.Description = pre + "\n\n" + t.Description
}

// StrategyFor picks Persona when a persona or model is configured.
func StrategyFor(d Def) Strategy {
	if strings.TrimSpace(d.Persona) == "" && strings.TrimSpace(d.Model) == "" {
		return PassThrough{}
	}
	return Persona{Preamble: d.Persona, Model: strings.TrimSpace(d.Model)}
}
