package executor

import "errors"

var (
	ErrStart       = errors.New("stage failed to start")
	ErrExit        = errors.New("stage exited with non-zero status")
	ErrSignaled    = errors.New("stage killed by signal")
	ErrTimeout     = errors.New("stage timed out")
	ErrNoContainer = errors.New("container executor not configured")
)
