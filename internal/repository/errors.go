package repository

import "errors"

// ErrInvalidArgument indicates the store rejected a value.
var ErrInvalidArgument = errors.New("repository: invalid argument")
