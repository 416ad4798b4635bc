// Package errors defines the error taxonomy shared by the server components
// and small helpers for wrapping errors with context.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Common error types.
var (
	// Config errors.
	ErrEmptyConfigPath  = fmt.Errorf("config file path cannot be empty")
	ErrConfigParse      = fmt.Errorf("failed to parse config")
	ErrConfigValidation = fmt.Errorf("invalid configuration")

	// Cache errors.
	ErrCacheMiss      = fmt.Errorf("entry not in cache")
	ErrItemTooLarge   = fmt.Errorf("item exceeds cache capacity")
	ErrCacheCorrupt   = fmt.Errorf("cache entry corrupt")
	ErrCacheDirectory = fmt.Errorf("cache directory cannot be empty")

	// Worker pool errors.
	ErrCapacityExceeded = fmt.Errorf("worker pool capacity exceeded")
	ErrResourceLimit    = fmt.Errorf("worker exceeded its resource limit")
	ErrWorkerCrashed    = fmt.Errorf("worker exited unexpectedly")
	ErrCallTimeout      = fmt.Errorf("worker call timed out")
	ErrWorkerStart      = fmt.Errorf("failed to start worker")
	ErrWorkerNotRunning = fmt.Errorf("worker is not running")

	// Package and repository errors.
	ErrPackageNotFound = fmt.Errorf("package not found")
	ErrDownloadFailed  = fmt.Errorf("download failed")
	ErrHashMismatch    = fmt.Errorf("content hash mismatch")
	ErrPackageTooLarge = fmt.Errorf("package exceeds configured maximum size")
	ErrInvalidIndex    = fmt.Errorf("invalid repository index")
	ErrInvalidManifest = fmt.Errorf("invalid package manifest")
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain matching target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Wrap wraps an error with additional context.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf wraps an error with additional formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
