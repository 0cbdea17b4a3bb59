package store

import "errors"

var (
	ErrNotFound      = errors.New("record not found")
	ErrQueueNotFound = errors.New("queue item not found")
	ErrItemInFlight  = errors.New("queue item is in flight")
)
