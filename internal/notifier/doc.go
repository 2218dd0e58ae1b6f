// Package notifier delivers operator notifications about task execution.
//
// Service is an async pipeline: a bounded queue drained by a small worker
// pool, a token bucket rate limit, retries with jittered backoff and a
// suppression window for identical messages. The window can be persisted so
// a restart does not repeat recent messages.
//
// SubscribeTaskEvents connects the pipeline to the event bus: tasks created
// with SendNotification announce their start, completion and failure.
package notifier
