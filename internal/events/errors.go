package events

import "errors"

var (
	ErrInvalidTimestamp   = errors.New("invalid timestamp")
	ErrInvalidDestination = errors.New("invalid destination")
	ErrMalformedFrame     = errors.New("malformed frame")
)
