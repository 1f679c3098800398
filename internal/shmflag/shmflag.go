// Package shmflag implements the 1-byte shared-memory invalidation page
// that lets a reader cheaply discover a user-writable database's map file
// has been rewritten, without stalling a lock-free read (spec.md §4.8).
package shmflag

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Path returns the invalidation file path for database dbName under
// runtimeDir (normally $XDG_RUNTIME_DIR): runtimeDir/dconf/<dbName>.
func Path(runtimeDir, dbName string) string {
	return filepath.Join(runtimeDir, "dconf", dbName)
}

// Reader holds a read-only mapping of the invalidation byte. Zero value
// is not usable; construct with [OpenReader].
type Reader struct {
	data []byte
	f    *os.File
}

// OpenReader maps an existing flag file PROT_READ. The flag file's
// lifetime is owned by the writer service (spec.md §3 "Lifecycle"), not by
// readers: if it doesn't exist yet, OpenReader returns the underlying
// os.ErrNotExist and the caller (a source) treats the database as not yet
// materialized.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, 1, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("shmflag: mmap %s: %w", path, err)
	}

	return &Reader{data: data, f: f}, nil
}

// Invalid reports whether the byte is non-zero: the reader's currently
// mapped data file is stale and must be re-opened. The load is
// unsynchronized by design (spec.md §5: a single-byte load is assumed
// atomic, and re-open is idempotent so a torn read is harmless).
func (r *Reader) Invalid() bool {
	return r.data[0] != 0
}

// Close unmaps the flag page.
func (r *Reader) Close() error {
	err := unix.Munmap(r.data)

	if cerr := r.f.Close(); err == nil {
		err = cerr
	}

	return err
}

// Writer holds a writable mapping of the invalidation byte, held by the
// writer service for a database's whole lifetime.
type Writer struct {
	path string
	data []byte
	f    *os.File
}

// OpenWriter creates (or opens) the flag file, its parent "dconf/" dir,
// and extends it to 1 byte, then maps it PROT_WRITE.
func OpenWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("shmflag: creating dir for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shmflag: opening %s: %w", path, err)
	}

	if err := f.Truncate(1); err != nil {
		f.Close()

		return nil, fmt.Errorf("shmflag: truncating %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, 1, unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("shmflag: mmap %s: %w", path, err)
	}

	return &Writer{path: path, data: data, f: f}, nil
}

// Invalidate sets the byte via mmap-and-store (not write(2), which has
// cache-coherence pitfalls against concurrent mmap readers on some
// kernels), then unlinks the flag file so the next reader's open creates
// a fresh page rather than reusing this now-stale one.
func (w *Writer) Invalidate() error {
	w.data[0] = 1

	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shmflag: unlinking %s: %w", w.path, err)
	}

	return nil
}

// Close unmaps the flag page.
func (w *Writer) Close() error {
	err := unix.Munmap(w.data)

	if cerr := w.f.Close(); err == nil {
		err = cerr
	}

	return err
}

