package bridge

import "errors"

var (
	ErrNotStarted  = errors.New("bridge not started")
	ErrExited      = errors.New("agent process exited")
	ErrStopped     = errors.New("bridge stopped")
	ErrOverloaded  = errors.New("bridge overloaded")
	ErrRPCFailed   = errors.New("rpc failed")
	ErrWriteFailed = errors.New("stdin write failed")
)
