package roots

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
// Use errors.Is() to check for these rather than string matching.
var (
	// ErrUnknownRoot indicates the label does not match any table entry,
	// or the entry has no backing device where one is required
	ErrUnknownRoot = errors.New("unknown root")

	// ErrMalformedPath indicates the path has no label separator
	ErrMalformedPath = errors.New("malformed root path")

	// ErrPathTooLong indicates the translated path exceeds PATH_MAX
	ErrPathTooLong = errors.New("translated path too long")

	// ErrNotMountable indicates the volume cannot be mounted at all
	// (no mount point, raw region, or package root)
	ErrNotMountable = errors.New("root is not mountable")

	// ErrNoMountPoint indicates the entry has no mount point to translate under
	ErrNoMountPoint = errors.New("root has no mount point")

	// ErrNotPackageRoot indicates the label does not name the package root
	ErrNotPackageRoot = errors.New("not a package root")

	// ErrNoPackageBound indicates no archive is currently bound to the package root
	ErrNoPackageBound = errors.New("no package bound")

	// ErrMissingPartitionName indicates a flash entry without a partition name
	ErrMissingPartitionName = errors.New("missing partition name")

	// ErrPartitionNotFound indicates the named partition is absent after a rescan
	ErrPartitionNotFound = errors.New("partition not found")

	// ErrMountFailed indicates a mount operation failed
	ErrMountFailed = errors.New("mount failed")

	// ErrUnmountFailed indicates an unmount operation failed
	ErrUnmountFailed = errors.New("unmount failed")

	// ErrVolumeBusy indicates a format was refused because the volume
	// could not be unmounted first
	ErrVolumeBusy = errors.New("volume busy")

	// ErrFilesystemUndetermined indicates no candidate filesystem mounted
	ErrFilesystemUndetermined = errors.New("filesystem undetermined")

	// ErrFormatFailed indicates a format operation failed
	ErrFormatFailed = errors.New("format failed")
)

// FormatError reports which stage of a format operation failed.
// It matches ErrFormatFailed under errors.Is().
type FormatError struct {
	// Stage is one of "open", "erase", "close", "helper"
	Stage string

	// Err is the underlying failure
	Err error
}

// Error implements the error interface
func (e *FormatError) Error() string {
	return fmt.Sprintf("format failed at %s stage: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error
func (e *FormatError) Unwrap() error {
	return e.Err
}

// Is reports ErrFormatFailed so callers can match the whole class
func (e *FormatError) Is(target error) bool {
	return target == ErrFormatFailed
}
