package exception

import "github.com/yanun0323/errors"

var (
	ErrStoreQueueFull = errors.New("store: queue full")
	ErrStoreClosed    = errors.New("store: closed")
	ErrStoreNotFound  = errors.New("store: not found")

	ErrJournalQueueFull = errors.New("journal: queue full")
	ErrJournalClosed    = errors.New("journal: closed")
)
