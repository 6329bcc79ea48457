package domain

import "errors"

// Storage-level failures shared by every repository implementation.
var (
	ErrNotFound        = errors.New("record not found")
	ErrOptimisticLock  = errors.New("optimistic lock conflict")
	ErrLockNotObtained = errors.New("lock not obtained")
	ErrAlreadyExists   = errors.New("record already exists")
)
