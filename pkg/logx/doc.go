// Package logx wraps zerolog with a value-type Logger whose zero value is
// safe to use. Loggers derived from a Service follow its runtime
// reconfiguration: console output is human readable, the optional file sink
// gets JSON lines, and warnings can be copied to an owner chat at a bounded
// rate.
package logx
