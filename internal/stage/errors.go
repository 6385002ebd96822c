package stage

import "errors"

var (
	ErrStageDiscovery = errors.New("stage discovery failed")
	ErrNoStages       = errors.New("no stages found")
	ErrOrderCollision = errors.New("stages share an order")
	ErrInvalidOrder   = errors.New("invalid stage order")
	ErrUnknownStage   = errors.New("unknown stage")
)
