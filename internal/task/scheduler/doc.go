// Package scheduler registers triggers (cron, interval and one-shot) and
// enqueues their jobs into the task engine. It never runs jobs itself,
// except when no engine is available.
package scheduler
