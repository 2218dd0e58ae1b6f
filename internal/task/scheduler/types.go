package scheduler

import (
	"errors"
	"time"
)

// ErrInvalidDefinition marks a definition whose pattern cannot produce a next
// execution time. It is a configuration error; retrying does not help.
var ErrInvalidDefinition = errors.New("invalid recurring definition")

// DefaultFirstRunDelay is how long a new definition waits before its first
// materialization when no NextExecutionAt is supplied.
const DefaultFirstRunDelay = time.Hour

// Config controls timezone handling and first-run placement.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means local

	// HonorDayOfWeek makes CUSTOM cron definitions follow their full
	// expression instead of firing daily at the given hour and minute.
	HonorDayOfWeek bool

	FirstRunDelay time.Duration
}

// Options are the inputs of ComputeNextExecution besides the definition.
type Options struct {
	Location       *time.Location
	HonorDayOfWeek bool
}
