// Package storage persists tasks, recurring definitions and their scheduling
// state.
//
// It supports:
//   - Task rows with status history
//   - Recurring definitions (schedule fields stored as millisecond epochs)
//   - Operator audit log appends
//   - Notifier dedup state (to survive restarts)
//
// Drivers: "memory" (process lifetime only) and "sqlite".
package storage
