package conn

import "errors"

var (
	ErrNotConnected       = errors.New("connection is not open")
	ErrSendBufferFull     = errors.New("send buffer full")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrDialFailed         = errors.New("dial failed")
	ErrClosed             = errors.New("connection manager closed")
)
