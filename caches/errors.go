package caches

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	Reason string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("creation of cache failed for reason : %s ", ve.Reason)
}

// Is lets callers match any ValidationError with errors.Is(err, ErrValidation).
func (ve ValidationError) Is(target error) bool {
	return target == ErrValidation
}

var (
	ErrNoCacheItem = errors.New("no value found in cache")

	// ErrQuotaExceeded is returned by Put when the backend refused the write for lack of space.
	// Callers are expected to evict and retry.
	ErrQuotaExceeded = errors.New("cache quota exceeded")

	ErrValidation = errors.New("invalid cache configuration")
)
