package keyfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/confdb/confd/internal/confderrors"
	"github.com/confdb/confd/internal/transport"
	"github.com/confdb/confd/pkg/changeset"
	"github.com/confdb/confd/pkg/fs"
)

// emitDiagnostic prints one stderr line per skipped line, the same
// best-effort reporting style as [source.Source]'s diagnostics (spec.md
// §4.7: "invalid groups and unparsable values are reported and skipped").
func (w *Writer) emitDiagnostic(skipped []parseError) {
	for _, s := range skipped {
		fmt.Fprintf(os.Stderr, "confd: keyfile %s (%s): %v\n", w.name, w.path, s)
	}
}

// Writer is the keyfile backend of spec.md §4.7. Unlike [writerservice.Writer]
// it does not trust its on-disk file to be written only by itself: every
// operation re-acquires an advisory lock, re-reads the file, and merges
// whatever a concurrent editor left there before applying the caller's
// change-set.
type Writer struct {
	mu sync.Mutex

	name          string
	path          string
	lockPath      string
	busUniqueName string

	fs     fs.FS
	locker *fs.Locker

	committed *changeset.Set

	counter atomic.Uint64
}

// New constructs a Writer over the keyfile at path, using lockPath (a
// sibling file, conventionally path+".lock") for the advisory whole-file
// lock.
func New(name, path, lockPath, busUniqueName string) *Writer {
	realFS := fs.NewReal()

	return &Writer{
		name:          name,
		path:          path,
		lockPath:      lockPath,
		busUniqueName: busUniqueName,
		fs:            realFS,
		locker:        fs.NewLocker(realFS),
		committed:     changeset.New(),
	}
}

// Change runs one begin/apply/commit/end cycle (spec.md §4.7, §4.6): it
// locks the file, merges any external edits found on disk into the
// committed state, applies cs on top, and writes the result back if it
// differs. The first returned signal (if any) carries an empty Tag and
// reports edits this call discovered that this process did not make; the
// second (if any) reports cs's own effect with a fresh Tag. cs may be an
// empty change-set, which still performs the external-edit merge (the
// "deferred begin/commit/end with an empty client change" of spec.md
// §4.7 used by the file-watch path).
func (w *Writer) Change(cs *changeset.Set) (signals []transport.Signal, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lock, err := w.locker.Lock(w.lockPath)
	if err != nil {
		return nil, fmt.Errorf("%w: acquiring keyfile lock: %v", confderrors.ErrWriterBackendFailure, err)
	}
	defer lock.Close()

	external, err := w.mergeExternalLocked()
	if err != nil {
		return nil, err
	}

	if external != nil && !external.IsEmpty() {
		root, paths, _ := external.Describe()
		signals = append(signals, transport.Signal{Prefix: root, Paths: paths})
	}

	overlay := changeset.NewDatabase(w.committed)
	if err := overlay.Change(cs); err != nil {
		return nil, fmt.Errorf("keyfile: applying change-set: %w", err)
	}

	diff := changeset.Diff(w.committed, overlay)
	if diff.IsEmpty() {
		return signals, nil
	}

	if err := w.writeFileLocked(overlay); err != nil {
		return nil, fmt.Errorf("%w: %v", confderrors.ErrWriterBackendFailure, err)
	}

	w.committed = overlay

	root, paths, _ := diff.Describe()
	tag := w.nextTagLocked()
	signals = append(signals, transport.Signal{Prefix: root, Paths: paths, Tag: tag})

	return signals, nil
}

// mergeExternalLocked re-reads the on-disk file (assumed just-locked) and
// folds any difference from w.committed into w.committed, returning that
// difference (possibly empty). A missing file is treated as an empty
// document, matching a brand-new keyfile database.
func (w *Writer) mergeExternalLocked() (*changeset.Set, error) {
	disk, err := w.readDiskLocked()
	if err != nil {
		return nil, err
	}

	diff := changeset.Diff(w.committed, disk)
	if diff.IsEmpty() {
		return diff, nil
	}

	merged := changeset.NewDatabase(w.committed)
	if err := merged.Change(diff); err != nil {
		return nil, fmt.Errorf("keyfile: merging external edits: %w", err)
	}

	w.committed = merged

	return diff, nil
}

func (w *Writer) readDiskLocked() (*changeset.Set, error) {
	data, err := w.fs.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return changeset.New(), nil
		}

		return nil, fmt.Errorf("%w: reading %s: %v", confderrors.ErrFileFormatError, w.path, err)
	}

	entries, skipped := parse(bytes.NewReader(data))
	w.emitDiagnostic(skipped)

	disk := changeset.New()
	for _, e := range entries {
		v := e.value
		if err := disk.Set(e.path, &v); err != nil {
			continue // invalid path: skipped per spec.md §4.7
		}
	}

	return disk, nil
}

// writeFileLocked renders cs and atomically replaces the keyfile.
func (w *Writer) writeFileLocked(cs *changeset.Set) error {
	if dir := filepath.Dir(w.path); dir != "." {
		if err := w.fs.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	root, paths, values := cs.Describe()

	entries := make([]parsedEntry, 0, len(paths))

	for i, rel := range paths {
		if values[i] == nil {
			continue // reset: nothing materializes in the file
		}

		entries = append(entries, parsedEntry{path: root + rel, value: *values[i]})
	}

	var buf bytes.Buffer
	if err := render(&buf, entries); err != nil {
		return fmt.Errorf("keyfile: rendering %s: %w", w.path, err)
	}

	tmp := w.path + ".tmp"

	f, err := w.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("keyfile: creating %s: %w", tmp, err)
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()

		return fmt.Errorf("keyfile: writing %s: %w", tmp, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return fmt.Errorf("keyfile: syncing %s: %w", tmp, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("keyfile: closing %s: %w", tmp, err)
	}

	if err := w.fs.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("keyfile: renaming %s to %s: %w", tmp, w.path, err)
	}

	return nil
}

func (w *Writer) nextTagLocked() transport.Tag {
	n := w.counter.Add(1)

	return transport.Tag(fmt.Sprintf("%s:%s:%d", w.busUniqueName, w.name, n))
}
