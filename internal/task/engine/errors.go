package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAlreadyExecuting  = errors.New("task is already executing")
	ErrNotReady          = errors.New("task is not ready")
	ErrDependenciesUnmet = errors.New("task has unmet hard dependencies")
)

// NoRetry marks a runner error as permanent. The task still fails, but no
// retry is scheduled even when its policy has attempts left.
//
//	return engine.NoRetry(fmt.Errorf("unknown model %q", name))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a delay hint to a runner error, for example a rate
// limit reset reported by the agent CLI. The hint replaces the policy backoff
// for that retry.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// failureText is the message recorded on the task: markers are stripped.
func failureText(err error) string {
	for {
		switch e := err.(type) {
		case noRetryError:
			err = e.err
		case retryAfterError:
			err = e.err
		default:
			return err.Error()
		}
	}
}
