package exception

import "github.com/yanun0323/errors"

var (
	ErrBusClosed     = errors.New("bus: closed")
	ErrBusNilPayload = errors.New("bus: nil payload")
)
