// Package confderrors collects the sentinel errors shared across confd's
// packages, so callers can use errors.Is regardless of which layer
// produced the failure (spec.md §7).
package confderrors

import "errors"

var (
	// ErrInvalidPath is returned when a string fails path validation
	// (internal/pathutil) at an API boundary.
	ErrInvalidPath = errors.New("confd: invalid path")

	// ErrNotWritable is returned when a write targets a key shadowed by a
	// lock at a lower profile layer (spec.md §4.1 is_writable).
	ErrNotWritable = errors.New("confd: key is not writable (locked)")

	// ErrTransportFailure is returned when an RPC call fails at the
	// transport layer (bus disconnect, timeout, peer gone).
	ErrTransportFailure = errors.New("confd: transport failure")

	// ErrFileFormatError wraps a map-file or key-file parse failure.
	ErrFileFormatError = errors.New("confd: file format error")

	// ErrFileNotFound is returned when a required on-disk file is absent.
	ErrFileNotFound = errors.New("confd: file not found")

	// ErrWriterBackendFailure is returned when the writer service fails to
	// commit a change-set (serialize, rename, or invalidate failed).
	ErrWriterBackendFailure = errors.New("confd: writer backend failure")

	// ErrBusy is returned when an operation could not proceed because a
	// resource (e.g. an advisory file lock) is held elsewhere.
	ErrBusy = errors.New("confd: resource busy")

	// ErrCorrupt is returned when on-disk state fails validation.
	ErrCorrupt = errors.New("confd: corrupt on-disk state")

	// ErrIncompatible is returned when on-disk state was written by an
	// incompatible, newer format version.
	ErrIncompatible = errors.New("confd: incompatible format version")
)
