package errors

import "errors"

// Store errors.
var (
	ErrItemNotFound = errors.New("item not found")
	ErrDuplicate    = errors.New("item already exists")
)

// Sync errors.
var (
	ErrBatchTooLarge     = errors.New("too many mutations in batch")
	ErrUnsupportedEntity = errors.New("entity type not supported for sync")
)

// Client errors.
var (
	ErrInvalidTransition = errors.New("status transition not allowed")
	ErrOffline           = errors.New("client is offline")
)
