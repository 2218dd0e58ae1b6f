package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("bad", func(context.Context) error { return errors.New("boom") })
	s.Go0("waiter", func(ctx context.Context) { <-ctx.Done() })

	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
}

func TestGoRecoversPanic(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go("panicky", func(context.Context) error { panic("oops") })
	err := s.Wait(waitCtx(t))
	require.Error(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Routines, 1)
	assert.EqualValues(t, 1, snap.Routines[0].Panics)
	assert.Zero(t, snap.Routines[0].Active)
}

func TestGoRestartUntilSuccess(t *testing.T) {
	s := NewSupervisor(context.Background())
	var calls atomic.Int64
	s.GoRestart("flaky", func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	err := s.Wait(waitCtx(t))
	assert.ErrorContains(t, err, "transient")
	assert.EqualValues(t, 3, calls.Load())
	assert.EqualValues(t, 2, s.Snapshot().Routines[0].Restarts)
}

func TestGoRestartGivesUp(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	var calls atomic.Int64
	s.GoRestart("dead", func(context.Context) error {
		calls.Add(1)
		return errors.New("down")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2), WithFatalOnFinalError(true))

	require.Error(t, s.Wait(waitCtx(t)))
	assert.EqualValues(t, 3, calls.Load())
	assert.Error(t, s.Context().Err(), "final error cancels")
}

func TestStopCancelsLoops(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.GoRestart("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, s.Stop(waitCtx(t)))
}
