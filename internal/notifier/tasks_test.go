package notifier

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainsched/internal/eventbus"
	kit "brainsched/internal/transport"
	logx "brainsched/pkg/logx"
)

type recordQueue struct {
	mu  sync.Mutex
	got []kit.Notification
	err error
}

func (r *recordQueue) Notify(_ context.Context, n kit.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func TestSubscribeTaskEvents(t *testing.T) {
	bus := eventbus.New()
	q := &recordQueue{}
	route := TaskRoute{Channel: "telegram", Target: kit.ChatTarget{ChatID: 7, ThreadID: 3}}
	unsub := SubscribeTaskEvents(bus, q, route, logx.Nop())
	ctx := context.Background()

	emit := func(typ string, te eventbus.TaskEvent) {
		require.NoError(t, bus.Emit(ctx, eventbus.Event{Type: typ, Data: te}))
	}
	te := eventbus.TaskEvent{TaskID: "t1", BrainID: "ops", Title: "rotate logs", SendNotification: true}
	emit(eventbus.TaskExecutionStarted, te)
	emit(eventbus.TaskExecutionCompleted, te)
	te.Error, te.Attempts = "exit status 2", 1
	emit(eventbus.TaskExecutionFailed, te)
	emit(eventbus.TaskExecutionStarted, eventbus.TaskEvent{TaskID: "t2", Title: "quiet"})
	emit(eventbus.TaskRetryScheduled, te)

	require.Len(t, q.got, 3)
	assert.Equal(t, "Task started: rotate logs\nbrain: ops\ntask: t1", q.got[0].Text)
	assert.Equal(t, route.Target, q.got[0].Target)
	assert.Equal(t, 5, q.got[1].Priority)
	assert.Contains(t, q.got[2].Text, "attempt 1: exit status 2")
	assert.Equal(t, 7, q.got[2].Priority)

	unsub()
	emit(eventbus.TaskExecutionStarted, te)
	assert.Len(t, q.got, 3)
}

func TestSubscriberSwallowsQueueErrors(t *testing.T) {
	bus := eventbus.New()
	q := &recordQueue{err: ErrQueueFull}
	SubscribeTaskEvents(bus, q, TaskRoute{}, logx.Nop())
	err := bus.Emit(context.Background(), eventbus.Event{
		Type: eventbus.TaskExecutionCompleted,
		Data: eventbus.TaskEvent{TaskID: "t", SendNotification: true},
	})
	assert.NoError(t, err)
}

func TestRenderTaskEventHTMLEscapes(t *testing.T) {
	te := eventbus.TaskEvent{TaskID: "t1", BrainID: "ops", Title: "compare <a> & <b>", Output: "x < y", Attempts: 2, Error: "bad <tag>"}

	text, prio := renderTaskEvent(eventbus.TaskExecutionCompleted, te, true)
	assert.Equal(t, 5, prio)
	assert.Equal(t, "<b>Task completed:</b> compare &lt;a&gt; &amp; &lt;b&gt;\nbrain: <code>ops</code>\ntask: <code>t1</code>\n<pre>x &lt; y</pre>", text)

	text, _ = renderTaskEvent(eventbus.TaskExecutionFailed, te, true)
	assert.Contains(t, text, "<i>attempt 2: bad &lt;tag&gt;</i>")
	assert.NotContains(t, text, "<pre>", "only completions carry output")

	plain, _ := renderTaskEvent(eventbus.TaskExecutionCompleted, te, false)
	assert.Equal(t, "Task completed: compare <a> & <b>\nbrain: ops\ntask: t1\n\nx < y", plain)
}

func TestSubscriberUsesHTMLForHTMLRoutes(t *testing.T) {
	bus := eventbus.New()
	q := &recordQueue{}
	SubscribeTaskEvents(bus, q, TaskRoute{Channel: "telegram", Options: &kit.SendOptions{ParseMode: "HTML"}}, logx.Nop())
	require.NoError(t, bus.Emit(context.Background(), eventbus.Event{
		Type: eventbus.TaskExecutionStarted,
		Data: eventbus.TaskEvent{TaskID: "t", Title: "a<b", SendNotification: true},
	}))
	require.Len(t, q.got, 1)
	assert.Contains(t, q.got[0].Text, "<b>Task started:</b> a&lt;b")
}
