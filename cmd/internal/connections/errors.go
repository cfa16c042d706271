package connections

import "errors"

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("connection not found")
	ErrSelfConnection    = errors.New("cannot connect to self")
	ErrAlreadyExists     = errors.New("connection already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotRecipient      = errors.New("only the recipient may respond")
)
