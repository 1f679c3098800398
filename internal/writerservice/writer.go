// Package writerservice implements the per-database transactional writer
// and its subtree router (spec.md §4.6 "Writer service: serialization of
// change-sets"): the side of the system that owns a database's on-disk
// truth and answers RPC calls from engines.
package writerservice

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confdb/confd/internal/confderrors"
	"github.com/confdb/confd/internal/mapfile"
	"github.com/confdb/confd/internal/shmflag"
	"github.com/confdb/confd/internal/transport"
	"github.com/confdb/confd/pkg/changeset"
)

// Kind distinguishes the two writable database flavors (spec.md §4.4
// "Kinds"): user databases live under the user's config directory and
// use the invalidation-flag page; service databases are ephemeral,
// runtime-directory-only, and invalidate existing readers by clobbering
// the previous map file's header instead.
type Kind int

const (
	KindUser Kind = iota
	KindService
)

type taggedChange struct {
	cs  *changeset.Set
	tag transport.Tag
}

// Writer holds one database's transactional state: a committed base
// loaded lazily from disk, and the bookkeeping a single Change call walks
// through on every invocation (spec.md §3 "Writer service state (per
// database)"). A Writer is not safe for concurrent use from more than
// one goroutine at a time without its own lock — exactly the "writer
// object is not thread-safe, RPC dispatch serializes calls per object"
// contract a [Router] provides by handing each database's calls to the
// bus on a single object path.
type Writer struct {
	mu sync.Mutex

	name          string
	kind          Kind
	dataPath      string
	flagPath      string // "" for KindService (no invalidation-flag page)
	busUniqueName string

	counter atomic.Uint64

	loaded      bool
	committed   *changeset.Set
	needsCreate bool
	prevReader  *mapfile.Reader // the file mapping committed was loaded from, if any

	// uncommitted mirrors spec.md §3's "uncommitted-changes" queue: the
	// change accepted by this call but not yet durably committed. It is
	// cleared before Change returns either way (committed on success,
	// discarded on failure) since this implementation collapses
	// begin/apply/commit/end into one synchronous call rather than
	// batching across calls.
	uncommitted []taggedChange

	flagWriter *shmflag.Writer

	blame *Blame
}

// New constructs a Writer for one database. flagPath is the invalidation
// page path and must be "" for KindService. blame may be nil to disable
// diagnostics recording.
func New(name string, kind Kind, dataPath, flagPath, busUniqueName string, blame *Blame) *Writer {
	return &Writer{
		name:          name,
		kind:          kind,
		dataPath:      dataPath,
		flagPath:      flagPath,
		busUniqueName: busUniqueName,
		blame:         blame,
	}
}

// Init ensures the underlying file exists, creating an empty one if not
// (spec.md §4.6: "used by service clients to force materialization").
func (w *Writer) Init() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.loadCommittedLocked(); err != nil {
		return err
	}

	if !w.needsCreate {
		return nil
	}

	if err := w.writeFileLocked(changeset.New()); err != nil {
		return err
	}

	w.needsCreate = false

	return nil
}

// Change runs the full begin/apply/commit/end pipeline for one incoming
// change-set and returns its tag plus the Notify signals its caller (the
// [Router]) must publish (spec.md §4.6 "Algorithm"). Signals is empty
// when the change-set was a no-op (overlay identical to committed): no
// notification is owed for a write that changed nothing.
func (w *Writer) Change(cs *changeset.Set) (tag transport.Tag, signals []transport.Signal, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.loadCommittedLocked(); err != nil {
		return "", nil, err
	}

	overlay := changeset.NewDatabase(w.committed)
	if err := overlay.Change(cs); err != nil {
		return "", nil, fmt.Errorf("writerservice: applying change-set: %w", err)
	}

	tag = w.nextTagLocked()
	w.uncommitted = append(w.uncommitted, taggedChange{cs: cs, tag: tag})

	diff := changeset.Diff(w.committed, overlay)
	if diff.IsEmpty() {
		w.uncommitted = nil

		return tag, nil, nil
	}

	if err := w.commitLocked(overlay); err != nil {
		// Failure atomicity (spec.md §4.6): discard the overlay and the
		// uncommitted queue; committed state is untouched.
		w.uncommitted = nil

		return "", nil, fmt.Errorf("%w: %v", confderrors.ErrWriterBackendFailure, err)
	}

	w.uncommitted = nil

	root, rel, _ := diff.Describe()

	w.blame.record(BlameEntry{
		Database: w.name,
		Tag:      string(tag),
		Prefix:   root,
		Paths:    rel,
		At:       w.now(),
	})

	return tag, []transport.Signal{{Prefix: root, Paths: rel, Tag: tag}}, nil
}

// loadCommittedLocked loads the committed base from disk on first use. A
// missing file is treated as an empty database with needsCreate set.
func (w *Writer) loadCommittedLocked() error {
	if w.loaded {
		return nil
	}

	r, err := mapfile.Open(w.dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			w.committed = changeset.New()
			w.needsCreate = true
			w.loaded = true

			return nil
		}

		return fmt.Errorf("%w: opening %s: %v", confderrors.ErrFileFormatError, w.dataPath, err)
	}

	entries, err := r.GetTable("/")
	if err != nil {
		r.Close()

		return fmt.Errorf("%w: reading %s: %v", confderrors.ErrFileFormatError, w.dataPath, err)
	}

	committed := changeset.New()

	for _, e := range entries {
		v := e.Value
		if err := committed.Set(e.Path, &v); err != nil {
			r.Close()

			return fmt.Errorf("%w: entry %q in %s: %v", confderrors.ErrFileFormatError, e.Path, w.dataPath, err)
		}
	}

	w.committed = committed
	w.prevReader = r
	w.loaded = true

	return nil
}

// commitLocked writes overlay to disk, invalidates existing readers, and
// promotes overlay to committed. Callers must already have established
// that overlay differs from committed; a no-op commit is handled by the
// caller before reaching here.
func (w *Writer) commitLocked(overlay *changeset.Set) error {
	if err := w.writeFileLocked(overlay); err != nil {
		return err
	}

	w.needsCreate = false
	w.committed = overlay

	return nil
}

// writeFileLocked serializes cs to dataPath via atomic rename and
// invalidates whatever readers are mapping the previous file.
func (w *Writer) writeFileLocked(cs *changeset.Set) error {
	if dir := filepath.Dir(w.dataPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	b := mapfile.NewBuilder()

	root, paths, values := cs.Describe()
	for i, rel := range paths {
		if values[i] == nil {
			continue // reset or dir-reset marker: nothing materializes on disk
		}

		b.Put(root+rel, *values[i])
	}

	if err := mapfile.WriteFile(w.dataPath, b); err != nil {
		return err
	}

	switch w.kind {
	case KindUser:
		if err := w.invalidateFlagLocked(); err != nil {
			return err
		}
	case KindService:
		if w.prevReader != nil {
			if err := w.prevReader.Invalidate(); err != nil {
				return fmt.Errorf("invalidating previous mapping: %w", err)
			}
		}
	}

	if w.prevReader != nil {
		w.prevReader.Close()
		w.prevReader = nil
	}

	if r, err := mapfile.Open(w.dataPath); err == nil {
		w.prevReader = r
	}

	return nil
}

// invalidateFlagLocked sets the invalidation-flag byte (instantly visible
// to every reader still holding the same mapping), then recycles the
// page: [shmflag.Writer.Invalidate] unlinks the file, so a fresh one is
// opened immediately after so the next reader to reopen after noticing
// the flip finds a valid (byte-zero) page rather than ENOENT (spec.md
// §4.8, §3 "Lifecycle": the writer owns the flag page for its whole
// lifetime).
func (w *Writer) invalidateFlagLocked() error {
	if w.flagPath == "" {
		return nil
	}

	if w.flagWriter == nil {
		fw, err := shmflag.OpenWriter(w.flagPath)
		if err != nil {
			return fmt.Errorf("opening invalidation flag %s: %w", w.flagPath, err)
		}

		w.flagWriter = fw
	}

	if err := w.flagWriter.Invalidate(); err != nil {
		return err
	}

	w.flagWriter.Close()

	fw, err := shmflag.OpenWriter(w.flagPath)
	if err != nil {
		return fmt.Errorf("reopening invalidation flag %s: %w", w.flagPath, err)
	}

	w.flagWriter = fw

	return nil
}

// Close releases the writer's held mappings (the invalidation-flag page
// and the previous-generation map file), for use at daemon shutdown.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var err error

	if w.flagWriter != nil {
		err = w.flagWriter.Close()
		w.flagWriter = nil
	}

	if w.prevReader != nil {
		if cerr := w.prevReader.Close(); err == nil {
			err = cerr
		}

		w.prevReader = nil
	}

	return err
}

func (w *Writer) nextTagLocked() transport.Tag {
	n := w.counter.Add(1)

	return transport.Tag(fmt.Sprintf("%s:%s:%d", w.busUniqueName, w.name, n))
}

// now is overridden in tests that need deterministic Blame timestamps.
var realNow = time.Now

func (w *Writer) now() time.Time { return realNow() }
