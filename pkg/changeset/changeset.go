// Package changeset implements the in-memory batch-of-writes type passed
// from clients to the engine and on to the writer service: a mapping from
// key-or-dir to an optional value (spec.md §3 "Change-set").
package changeset

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/confdb/confd/internal/pathutil"
	"github.com/confdb/confd/pkg/variant"
)

// ErrSealed is returned by mutating methods once a Set has been sealed.
var ErrSealed = errors.New("changeset: sealed")

// ErrInvalidPath is returned by Set when path is neither a key nor a dir.
var ErrInvalidPath = errors.New("changeset: invalid path")

// ErrDirValue is returned by Set when path is a dir but value is non-nil;
// dirs may only be reset, never assigned a value.
var ErrDirValue = errors.New("changeset: dir paths may only be reset to null")

// entry pairs a recorded path with its value; a nil value represents a
// reset ("null").
type entry struct {
	path  string
	value *variant.Value
}

// Set is a batch of path→value-or-null writes forming one atomic
// transaction. The zero Set is not usable; construct with [New],
// [NewDatabase] or [NewWrite].
//
// Set is not safe for concurrent mutation; callers that hand a Set across
// goroutines (e.g. engine → writer service) must establish a happens-before
// edge themselves (a channel send does this).
type Set struct {
	refCount int32

	table map[string]*variant.Value // nil value == reset

	sealed bool

	// description cache, populated by Describe and invalidated by Set.
	described bool
	root      string
	paths     []string
	values    []*variant.Value
}

// New creates a new, empty Set with a reference count of 1.
func New() *Set {
	return &Set{table: make(map[string]*variant.Value), refCount: 1}
}

// NewDatabase creates a Set pre-populated with a snapshot of copyOf's
// entries (or empty, if copyOf is nil). It is used by the writer service
// to represent "base" state that subsequent change-sets are layered onto
// via [Set.Change].
func NewDatabase(copyOf *Set) *Set {
	s := New()

	if copyOf == nil {
		return s
	}

	for path, value := range copyOf.table {
		s.table[path] = value
	}

	return s
}

// NewWrite creates a Set containing a single entry: path mapped to value
// (or to null, if value is nil). It panics if path is invalid, mirroring
// the teacher's "trust internal invariants" style for constructors fed by
// already-validated call sites; callers receiving untrusted paths should
// use [Set.Set] and check the returned error instead.
func NewWrite(path string, value *variant.Value) *Set {
	s := New()

	if err := s.Set(path, value); err != nil {
		panic(err)
	}

	return s
}

// NewFromPrefix creates a Set from a prefix dir and a map of relative
// key to value-or-null, the multi-key write convenience of the RPC
// surface table (spec.md §6 "WriteMany"), mirroring
// dconf_engine_change_fast's prefix-plus-relative-keys calling
// convention. It panics if prefix is not a dir or any relative key is
// invalid, the same "trust already-validated call sites" contract as
// [NewWrite].
func NewFromPrefix(prefix string, entries map[string]*variant.Value) *Set {
	if !pathutil.IsDir(prefix) {
		panic(fmt.Errorf("%w: prefix %q is not a dir", ErrInvalidPath, prefix))
	}

	s := New()

	for rel, value := range entries {
		if err := s.Set(prefix+rel, value); err != nil {
			panic(err)
		}
	}

	return s
}

// Ref increments the reference count and returns s, for callers that want
// to hand out a reference while keeping their own.
func (s *Set) Ref() *Set {
	atomic.AddInt32(&s.refCount, 1)

	return s
}

// Unref decrements the reference count and reports whether it reached
// zero. Go's garbage collector reclaims the Set regardless; this exists so
// callers can detect "last reference" the way the teacher's reference-
// counted types do, e.g. to release an associated resource eagerly.
func (s *Set) Unref() bool {
	return atomic.AddInt32(&s.refCount, -1) == 0
}

// RefCount returns the current reference count.
func (s *Set) RefCount() int32 {
	return atomic.LoadInt32(&s.refCount)
}

// IsEmpty reports whether the Set records no entries.
func (s *Set) IsEmpty() bool {
	return len(s.table) == 0
}

// Sealed reports whether the Set has been sealed against further mutation.
func (s *Set) Sealed() bool {
	return s.sealed
}

// Seal forbids future mutation of s. Sealing is irreversible.
func (s *Set) Seal() {
	s.sealed = true
}

// Set records an operation to modify path.
//
// path may be a key or a dir. If it is a key, value may be a [variant.Value]
// pointer or nil (reset). If path is a dir, value must be nil: assigning a
// value to a dir is not permitted, only resetting it.
//
// Setting a dir-reset first removes every previously recorded entry whose
// path begins with that dir, then records the dir-reset itself.
func (s *Set) Set(path string, value *variant.Value) error {
	if s.sealed {
		return ErrSealed
	}

	if !pathutil.IsPath(path) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	if pathutil.IsDir(path) {
		if value != nil {
			return ErrDirValue
		}

		for existing := range s.table {
			if strings.HasPrefix(existing, path) {
				delete(s.table, existing)
			}
		}
	}

	s.table[path] = value
	s.described = false

	return nil
}

// Get reports whether the Set has an outstanding operation for key, and if
// so, its value (nil meaning reset).
func (s *Set) Get(key string) (value *variant.Value, ok bool) {
	v, ok := s.table[key]

	return v, ok
}

// IsSimilarTo reports whether s and other touch exactly the same set of
// paths (values ignored). Used to coalesce repeated writes to the same
// keys, e.g. a slider drag that fires on every pointer-move event.
func (s *Set) IsSimilarTo(other *Set) bool {
	if len(s.table) != len(other.table) {
		return false
	}

	for path := range s.table {
		if _, ok := other.table[path]; !ok {
			return false
		}
	}

	return true
}

// Predicate is called once per recorded entry by [Set.All].
type Predicate func(path string, value *variant.Value) bool

// All reports whether every entry in s satisfies predicate. An empty Set
// vacuously satisfies any predicate.
func (s *Set) All(predicate Predicate) bool {
	for path, value := range s.table {
		if !predicate(path, value) {
			return false
		}
	}

	return true
}

// Describe returns the longest common prefix of every recorded path
// (root), each recorded path with that prefix stripped (paths, sorted
// lexicographically), and the corresponding values in the same order.
// Describe returns ("", nil, nil) for an empty Set.
//
// The result is cached until the next call to [Set.Set].
func (s *Set) Describe() (root string, paths []string, values []*variant.Value) {
	if len(s.table) == 0 {
		return "", nil, nil
	}

	if s.described {
		return s.root, s.paths, s.values
	}

	s.root = commonPrefix(s.table)

	rel := make([]string, 0, len(s.table))
	for path := range s.table {
		rel = append(rel, path[len(s.root):])
	}

	sort.Strings(rel)

	values = make([]*variant.Value, len(rel))
	for i, r := range rel {
		values[i] = s.table[s.root+r]
	}

	s.paths = rel
	s.values = values
	s.described = true

	return s.root, s.paths, s.values
}

// commonPrefix computes the longest common prefix of table's keys,
// trimmed back to the nearest preceding '/' when more than one key is
// present (so "/a/ab" and "/a/ac" yield "/a/", not "/a/a").
func commonPrefix(table map[string]*variant.Value) string {
	var first string
	n := 0

	for path := range table {
		if n == 0 {
			first = path
		}

		n++
	}

	if n == 1 {
		return first
	}

	prefixLen := len(first)

	for path := range table {
		i := 0
		for i < prefixLen && i < len(path) && first[i] == path[i] {
			i++
		}

		if i < prefixLen {
			prefixLen = i
		}
	}

	for prefixLen > 0 && first[prefixLen-1] != '/' {
		prefixLen--
	}

	return first[:prefixLen]
}

// Change applies every entry of changes onto s, using the same dir-reset
// prefix-clearing semantics as [Set.Set]. It is how the writer service
// layers an incoming change-set onto its pending (uncommitted) state.
func (s *Set) Change(changes *Set) error {
	if s.sealed {
		return ErrSealed
	}

	_, paths, values := changes.Describe()

	for i, rel := range paths {
		path := changes.root + rel

		if err := s.Set(path, values[i]); err != nil {
			return err
		}
	}

	return nil
}

// Diff computes the minimal Set that, applied to from via [Set.Change],
// makes it equal to to. Diff returns an empty, non-nil Set if from and to
// already record the same entries.
func Diff(from, to *Set) *Set {
	candidates := make(map[string]*variant.Value)

	for path, toVal := range to.table {
		fromVal, ok := from.table[path]
		if !ok || !valueEqual(fromVal, toVal) {
			candidates[path] = toVal
		}
	}

	for path := range from.table {
		if _, ok := to.table[path]; ok {
			continue
		}

		// A leaf removed from from is redundant once some ancestor dir
		// reset is already recorded in to: applying that reset alone
		// already drops it, so recording it again would over-report a
		// changed path to Notify subscribers (spec.md line 54 requires
		// Diff to be minimal).
		if coveredByReset(to.table, path) {
			continue
		}

		candidates[path] = nil
	}

	paths := make([]string, 0, len(candidates))
	for path := range candidates {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	diff := New()

	// Apply in sorted order: a dir reset always sorts before any path it
	// prefixes, so [Set.Set]'s own prefix-clearing only ever strips
	// entries not yet inserted, and a child explicitly restored after the
	// reset (a real value kept in to) lands back on top of it instead of
	// being deleted by clearing logic that would otherwise run after it
	// was added.
	for _, path := range paths {
		_ = diff.Set(path, candidates[path])
	}

	return diff
}

// coveredByReset reports whether path lies under a dir recorded as a
// reset (nil value) in table.
func coveredByReset(table map[string]*variant.Value, path string) bool {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] != '/' {
			continue
		}

		if v, ok := table[path[:i+1]]; ok && v == nil {
			return true
		}
	}

	return false
}

func valueEqual(a, b *variant.Value) bool {
	if a == nil || b == nil {
		return a == b
	}

	return variant.Equal(*a, *b)
}
