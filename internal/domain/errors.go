package domain

import "errors"

var (
	// ErrInvalidParameter marks caller-supplied values outside the accepted range.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrStoreUnavailable marks read or write failures against the event store.
	ErrStoreUnavailable = errors.New("event store unavailable")
)
