package cache

import (
	"errors"
	"fmt"
)

// Error codes carried by CacheError.
const (
	CodeStoreNotFound  = "STORE_NOT_FOUND"
	CodeDriverNotFound = "DRIVER_NOT_FOUND"
	CodeLoaderError    = "LOADER_ERROR"
	CodeNotConnected   = "NOT_CONNECTED"
)

// Sentinel errors for comparison with errors.Is().
var (
	ErrStoreNotFound  = errors.New("store not found")
	ErrDriverNotFound = errors.New("driver not found")
	ErrNotConnected   = errors.New("cache not connected")
)

// CacheError describes a cache operation failure with a machine-readable
// code and optional context.
type CacheError struct {
	Code    string
	Context string
	Err     error
}

func (e *CacheError) Error() string {
	if e.Context != "" {
		if e.Err != nil {
			return fmt.Sprintf("cache %s [%s]: %v", e.Code, e.Context, e.Err)
		}
		return fmt.Sprintf("cache %s [%s]", e.Code, e.Context)
	}
	if e.Err != nil {
		return fmt.Sprintf("cache %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("cache %s", e.Code)
}

func (e *CacheError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	switch e.Code {
	case CodeStoreNotFound:
		return ErrStoreNotFound
	case CodeDriverNotFound:
		return ErrDriverNotFound
	case CodeNotConnected:
		return ErrNotConnected
	}
	return nil
}

// LoaderError wraps a failure raised by a user-provided loader during
// GetOrSet.
type LoaderError struct {
	Key string
	Err error
}

func (e *LoaderError) Error() string {
	return fmt.Sprintf("loader failed for key %s: %v", e.Key, e.Err)
}

func (e *LoaderError) Unwrap() error {
	return e.Err
}
