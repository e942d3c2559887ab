package repository

import "errors"

// ErrDuplicate is returned when a unique key already exists.
var ErrDuplicate = errors.New("record already exists")

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")
