package eventbus

// Task lifecycle event types.
const (
	TaskExecutionStarted   = "TASK_EXECUTION_STARTED"
	TaskExecutionCompleted = "TASK_EXECUTION_COMPLETED"
	TaskExecutionFailed    = "TASK_EXECUTION_FAILED"
	TaskRetryScheduled     = "TASK_RETRY_SCHEDULED"
	RecurringMaterialized  = "RECURRING_MATERIALIZED"
)

// TaskEvent is the payload of the task lifecycle events.
type TaskEvent struct {
	TaskID           string `json:"taskId"`
	BrainID          string `json:"brainId"`
	Title            string `json:"title"`
	RecurringID      string `json:"recurringTaskId,omitempty"`
	Kind             string `json:"kind,omitempty"`
	Attempts         int    `json:"attempts"`
	Output           string `json:"output,omitempty"`
	Error            string `json:"error,omitempty"`
	SendNotification bool   `json:"sendNotification"`
	RetryInMs        int64  `json:"retryInMs,omitempty"`
}

// RecurringEvent is emitted when a due definition produced a task.
type RecurringEvent struct {
	RecurringID string `json:"recurringTaskId"`
	TaskID      string `json:"taskId"`
	BrainID     string `json:"brainId"`
}
