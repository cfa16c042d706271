package notify

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("notification not found")
	ErrNotOwner     = errors.New("notification belongs to another user")
)
