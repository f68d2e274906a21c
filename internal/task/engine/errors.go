package engine

import "errors"

var (
	ErrDisabled    = errors.New("engine: disabled")
	ErrStopped     = errors.New("engine: not running")
	ErrQueueFull   = errors.New("engine: queue full")
	ErrOverlapSkip = errors.New("engine: previous run still pending")
	ErrExpired     = errors.New("engine: task expired")
)

// NoRetry wraps err so the engine gives up after the current attempt. The
// message is err's own; errors.Is/As still see through it.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// IsNoRetry reports whether err carries a NoRetry mark anywhere in its chain.
func IsNoRetry(err error) bool {
	var p *permanent
	return errors.As(err, &p)
}

type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }
