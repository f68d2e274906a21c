// Package notifier is the asynchronous delivery pipeline for alerts and
// command replies.
//
// Notify only validates, dedups and enqueues. Workers take a token from a
// shared rate limiter, call the channel's transport.Sender and retry failed
// sends with jittered exponential backoff. Each notification is sent once per
// dedup window; with PersistDedup the window survives restarts through
// storage.
package notifier
