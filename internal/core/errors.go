package core

import "errors"

var (
	// ErrDuplicateOrder indicates the client order id is already tracked.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrUnknownOrder indicates the exchange explicitly reports the order as
	// nonexistent. This is the only error that advances the not-found counter.
	ErrUnknownOrder = errors.New("unknown order")
	// ErrMalformedUpdate indicates an update or fill with unparseable numeric
	// or identity fields. The update is dropped without mutating any record.
	ErrMalformedUpdate = errors.New("malformed update")
	// ErrTrackerClosed indicates the tracker was asked to mutate after shutdown.
	ErrTrackerClosed = errors.New("tracker closed")
)
