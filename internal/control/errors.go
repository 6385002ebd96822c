package control

import "errors"

var (
	ErrControl  = errors.New("control socket error")
	ErrNoSocket = errors.New("not running inside a stage")
	ErrTrapFail = errors.New("trap command failed")
)
