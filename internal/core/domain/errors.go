package domain

import "errors"

// Error classes. Operations wrap these with context via fmt.Errorf("%w").
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("no matching job")
	ErrNotRunning   = errors.New("service is not running")
	ErrPartialBatch = errors.New("batch partially failed")
	ErrTransport    = errors.New("transport failure")
)
