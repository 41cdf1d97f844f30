package exception

import "github.com/yanun0323/errors"

var (
	ErrOrderInvalidRequest    = errors.New("order: invalid request")
	ErrOrderDuplicate         = errors.New("order: duplicate order id")
	ErrOrderUnknown           = errors.New("order: unknown order")
	ErrOrderNotCancellable    = errors.New("order: not cancellable")
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	ErrOrderInvalidFill       = errors.New("order: invalid fill")
	ErrOrderEngineStopped     = errors.New("order: engine stopped")
)
