package image

import "errors"

var (
	ErrExport   = errors.New("image export failed")
	ErrPlatform = errors.New("invalid platform")
)
