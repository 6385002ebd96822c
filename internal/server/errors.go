package server

import "errors"

var (
	ErrServer     = errors.New("server error")
	ErrRootInUse  = errors.New("build root in use")
	ErrBadRequest = errors.New("bad request")
)
