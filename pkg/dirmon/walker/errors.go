package walker

import (
	"errors"
	"fmt"
	"io/fs"
)

// Sentinel errors returned by the walker.
var (
	// ErrInvalidRoot is returned when a walk is started without a root.
	ErrInvalidRoot = errors.New("invalid root")

	// ErrDirectoryUnavailable is the class of per-directory visit failures.
	// They are absorbed by the walk and reported through Options.OnError.
	ErrDirectoryUnavailable = errors.New("directory unavailable")

	// ErrNotFound means the directory vanished before it could be listed.
	ErrNotFound = fmt.Errorf("%w: not found", ErrDirectoryUnavailable)

	// ErrAccessDenied means the directory could not be read.
	ErrAccessDenied = fmt.Errorf("%w: access denied", ErrDirectoryUnavailable)

	// ErrRunning is returned when a walk is started while one is active.
	ErrRunning = errors.New("walk already running")

	// ErrNotRunning is returned by Suspend when no walk is active.
	ErrNotRunning = errors.New("walk not running")

	// ErrNothingToResume is returned by Resume without a prior Suspend.
	ErrNothingToResume = errors.New("no suspend snapshot")

	// ErrStopped is returned by any operation after Stop.
	ErrStopped = errors.New("walker stopped")
)

// classify wraps a listing error with the matching sentinel.
func classify(path string, err error) error {
	switch {
	case errors.Is(err, ErrDirectoryUnavailable):
		return err
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s: %w", ErrNotFound, path, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s: %w", ErrAccessDenied, path, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrDirectoryUnavailable, path, err)
	}
}
