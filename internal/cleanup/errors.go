package cleanup

import "errors"

var (
	ErrUnknownAction = errors.New("unknown cleanup action")
	ErrNoAdopter     = errors.New("no adopter for promoted action")
)
