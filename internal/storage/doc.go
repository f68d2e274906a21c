// Package storage persists what must survive a restart: computed timetables
// for cold-start display, completed prayers, notifier dedup state, small
// key/value state such as the last known location, and an audit trail.
//
// Drivers: "file" (JSON lines journal + snapshot), "sqlite" (modernc.org/sqlite
// through sqlx), "redis" and "memory". Driver "none" disables storage.
package storage
