package common

import "errors"

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrOrderNotFound   = errors.New("order not found")
	ErrPersistence     = errors.New("persistence failure")
	ErrInvalidOrder    = errors.New("invalid order")
)
