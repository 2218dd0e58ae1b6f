package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitWaitsForAllHandlers(t *testing.T) {
	b := New()
	var done atomic.Int32
	for i := 0; i < 3; i++ {
		b.On(TaskExecutionCompleted, func(ctx context.Context, e Event) error {
			time.Sleep(20 * time.Millisecond)
			done.Add(1)
			return nil
		})
	}
	b.On(TaskExecutionFailed, func(ctx context.Context, e Event) error {
		t.Error("handler for another type must not run")
		return nil
	})

	require.NoError(t, b.Emit(context.Background(), Event{Type: TaskExecutionCompleted}))
	assert.EqualValues(t, 3, done.Load())
}

func TestEmitRunsHandlersConcurrently(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	wg.Add(2)
	// Each handler waits for the other; sequential dispatch would deadlock.
	for i := 0; i < 2; i++ {
		b.On("x", func(ctx context.Context, e Event) error {
			wg.Done()
			wg.Wait()
			return nil
		})
	}

	errc := make(chan error, 1)
	go func() { errc <- b.Emit(context.Background(), Event{Type: "x"}) }()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("emit did not return; handlers ran sequentially")
	}
}

func TestEmitReportsErrorsAndPanics(t *testing.T) {
	b := New()
	var ran atomic.Int32
	b.On("x", func(ctx context.Context, e Event) error { ran.Add(1); return errors.New("boom") })
	b.On("x", func(ctx context.Context, e Event) error { ran.Add(1); return nil })
	err := b.Emit(context.Background(), Event{Type: "x"})
	require.Error(t, err)
	assert.EqualValues(t, 2, ran.Load())

	b2 := New()
	b2.On("y", func(ctx context.Context, e Event) error { panic("bad handler") })
	err = b2.Emit(context.Background(), Event{Type: "y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestOffAndLateRegistration(t *testing.T) {
	b := New()
	var calls atomic.Int32
	id := b.On("x", func(ctx context.Context, e Event) error { calls.Add(1); return nil })
	require.NoError(t, b.Emit(context.Background(), Event{Type: "x"}))
	b.Off(id)
	require.NoError(t, b.Emit(context.Background(), Event{Type: "x"}))
	assert.EqualValues(t, 1, calls.Load())

	// A handler registered after an emit never sees it.
	b.On("x", func(ctx context.Context, e Event) error { calls.Add(10); return nil })
	assert.EqualValues(t, 1, calls.Load())
}

func TestSubscribeReceivesEmittedAndPublished(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	require.NoError(t, b.Emit(context.Background(), Event{Type: "a"}))
	b.Publish(Event{Type: "b"})

	got := []string{(<-ch).Type, (<-ch).Type}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestPublishDropsWhenSubscriberIsSlow(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "1"})
	b.Publish(Event{Type: "2"})
	assert.Len(t, ch, 1)

	unsub()
	unsub()
	assert.NotPanics(t, func() { b.Publish(Event{Type: "3"}) })
}
