package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"brainsched/internal/eventbus"
	kit "brainsched/internal/transport"
	logx "brainsched/pkg/logx"
	"brainsched/pkg/tgui"
)

// Queuer is the part of Service the task subscriber needs.
type Queuer interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// TaskRoute tells where task notifications go.
type TaskRoute struct {
	Channel string
	Target  kit.ChatTarget
	Options *kit.SendOptions
}

// SubscribeTaskEvents forwards task lifecycle events of tasks with
// SendNotification to q. The returned func unsubscribes.
func SubscribeTaskEvents(bus eventbus.Bus, q Queuer, route TaskRoute, log logx.Logger) (unsubscribe func()) {
	if log.IsZero() {
		log = logx.Nop()
	}
	asHTML := route.Options != nil && route.Options.ParseMode == "HTML"
	h := func(ctx context.Context, e eventbus.Event) error {
		te, ok := e.Data.(eventbus.TaskEvent)
		if !ok || !te.SendNotification {
			return nil
		}
		text, prio := renderTaskEvent(e.Type, te, asHTML)
		err := q.Notify(ctx, kit.Notification{
			Channel:  route.Channel,
			Priority: prio,
			Target:   route.Target,
			Text:     text,
			Options:  route.Options,
		})
		switch {
		case err == nil, errors.Is(err, ErrDisabled):
		case errors.Is(err, ErrStopped):
			log.Debug("task notification after stop", logx.String("task", te.TaskID), logx.String("event", e.Type))
		default:
			// Delivery problems never fail the task itself.
			log.Warn("task notification not queued", logx.String("task", te.TaskID), logx.String("event", e.Type), logx.Err(err))
		}
		return nil
	}

	ids := []eventbus.HandlerID{
		bus.On(eventbus.TaskExecutionStarted, h),
		bus.On(eventbus.TaskExecutionCompleted, h),
		bus.On(eventbus.TaskExecutionFailed, h),
	}
	return func() {
		for _, id := range ids {
			bus.Off(id)
		}
	}
}

// outputPreview bounds how much runner output a completion message carries.
const outputPreview = 600

func taskEventHeadline(typ string) (string, int) {
	switch typ {
	case eventbus.TaskExecutionStarted:
		return "Task started:", 1
	case eventbus.TaskExecutionCompleted:
		return "Task completed:", 5
	default:
		return "Task failed:", 7
	}
}

func renderTaskEvent(typ string, te eventbus.TaskEvent, asHTML bool) (string, int) {
	head, prio := taskEventHeadline(typ)
	failed := typ == eventbus.TaskExecutionFailed && te.Error != ""
	output := ""
	if typ == eventbus.TaskExecutionCompleted {
		output = tgui.TruncRunes(strings.TrimSpace(te.Output), outputPreview)
	}

	if asHTML {
		parts := []tgui.H{
			tgui.Join(" ", tgui.B(head), tgui.Esc(te.Title)),
			tgui.Join(" ", tgui.Esc("brain:"), tgui.Code(te.BrainID)),
			tgui.Join(" ", tgui.Esc("task:"), tgui.Code(te.TaskID)),
		}
		if failed {
			parts = append(parts, tgui.I(fmt.Sprintf("attempt %d: %s", te.Attempts, tgui.TruncRunes(te.Error, outputPreview))))
		}
		if output != "" {
			parts = append(parts, tgui.Pre(output))
		}
		return tgui.Join("\n", parts...).String(), prio
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\nbrain: %s\ntask: %s", head, te.Title, te.BrainID, te.TaskID)
	if failed {
		fmt.Fprintf(&b, "\nattempt %d: %s", te.Attempts, te.Error)
	}
	if output != "" {
		fmt.Fprintf(&b, "\n\n%s", output)
	}
	return b.String(), prio
}
