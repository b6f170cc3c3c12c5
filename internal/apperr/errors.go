package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")
	ErrRemoved       = errors.New("removed")
	ErrUnavailable   = errors.New("unavailable")
)
