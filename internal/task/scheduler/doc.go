// Package scheduler owns recurring definitions: it computes the next
// execution time for each pattern and advances definitions after they have
// been materialized into tasks.
//
// The scheduler never runs tasks. The heartbeat driver asks it for due
// definitions and calls MarkExecuted once a task has been created.
package scheduler
