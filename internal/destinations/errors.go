package destinations

import "errors"

var (
	ErrNotFound    = errors.New("no destinations for this identity")
	ErrRateLimited = errors.New("rate limited by resolver")
	ErrAuthFailed  = errors.New("authentication failed")
)
