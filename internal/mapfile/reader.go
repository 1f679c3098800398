package mapfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/confdb/confd/pkg/variant"
)

// ErrCorrupt is returned when a file's header fails its magic/CRC checks.
var ErrCorrupt = errors.New("mapfile: corrupt file")

// ErrIncompatible is returned when a file's format version is newer than
// this package understands.
var ErrIncompatible = errors.New("mapfile: incompatible version")

// Entry is one (path, value) pair as stored on disk.
type Entry struct {
	Path  string
	Value variant.Value
}

// Reader is a read-only, mmap-backed view of a DCF1 file. The zero value
// is not usable; construct with [Open]. A Reader holds its mapping open
// until [Reader.Close] is called; sources reopen a fresh Reader whenever
// the invalidation flag signals the file changed rather than mutating
// one in place, since the underlying file is immutable once written.
type Reader struct {
	mu   sync.Mutex
	data []byte
	h    header
	f    *os.File
}

// Open mmaps the file at path PROT_READ|MAP_SHARED and validates its
// header. The mapping is retained until Close.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, err
	}

	if fi.Size() < headerSize {
		f.Close()

		return nil, fmt.Errorf("%w: file too small (%d bytes)", ErrCorrupt, fi.Size())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("mapfile: mmap %s: %w", path, err)
	}

	if !hasMagic(data) {
		unix.Munmap(data)
		f.Close()

		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}

	if !validateHeaderCRC(data) {
		unix.Munmap(data)
		f.Close()

		return nil, fmt.Errorf("%w: header CRC mismatch", ErrCorrupt)
	}

	h := decodeHeader(data)

	if !h.valid {
		unix.Munmap(data)
		f.Close()

		return nil, fmt.Errorf("%w: file not marked valid (writer crashed mid-write?)", ErrCorrupt)
	}

	if h.version > formatVersion {
		unix.Munmap(data)
		f.Close()

		return nil, fmt.Errorf("%w: version %d > %d", ErrIncompatible, h.version, formatVersion)
	}

	want := h.indexOff + h.indexSize + h.dataSize
	if uint64(len(data)) < want {
		unix.Munmap(data)
		f.Close()

		return nil, fmt.Errorf("%w: truncated body (have %d, want %d)", ErrCorrupt, len(data), want)
	}

	return &Reader{data: data, h: h, f: f}, nil
}

// Close unmaps the file and releases the descriptor. Safe to call once;
// subsequent calls return an error.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data == nil {
		return errors.New("mapfile: already closed")
	}

	err := unix.Munmap(r.data)
	r.data = nil

	if cerr := r.f.Close(); err == nil {
		err = cerr
	}

	return err
}

// Invalidate zeroes the first 8 bytes of this Reader's underlying file
// descriptor, clobbering the magic of whatever page this process (or any
// other process still holding this same old inode mapped) is reading
// from. Used by the writer service for service-kind databases, whose
// readers have no invalidation-flag page to consult: after an atomic
// rename swaps in a new file, the old inode's data is otherwise
// unreachable by name but still mapped by anyone who opened it before
// the rename (spec.md §4.6 step 4c).
func (r *Reader) Invalidate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data == nil {
		return errors.New("mapfile: already closed")
	}

	// r.f is read-only, and a shared writable mapping needs a writable
	// descriptor: reopen the same inode read-write through /proc.
	rw, err := os.OpenFile(fmt.Sprintf("/proc/self/fd/%d", r.f.Fd()), os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("mapfile: invalidate previous mapping: %w", err)
	}
	defer rw.Close()

	w, err := unix.Mmap(int(rw.Fd()), 0, 8, unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mapfile: invalidate previous mapping: %w", err)
	}

	for i := range w {
		w[i] = 0
	}

	return unix.Munmap(w)
}

// IsValid reports whether the backing mapping still looks like a live,
// fully-written DCF1 file: magic, header CRC, and the validity byte all
// still check out. A rename swaps a fresh inode in under this Reader's
// path, but this Reader keeps the old inode mapped until Close; the
// writer service clobbers that old inode's header via [Reader.Invalidate]
// on commit, which is exactly what this method detects. Sources for kinds
// with no invalidation-flag page to consult (service, system) call this
// on every refresh instead (spec.md §9 "readers must check both: the
// page for user-writable sources, the header bit for service-writable
// sources").
func (r *Reader) IsValid() bool {
	if !hasMagic(r.data) {
		return false
	}

	if !validateHeaderCRC(r.data) {
		return false
	}

	return decodeHeader(r.data).valid
}

// Len returns the number of entries (including lock records).
func (r *Reader) Len() int {
	return int(r.h.entryCount)
}

func (r *Reader) recordPath(i int) string {
	base := int(r.h.indexOff) + i*indexEntrySize
	off := binary.LittleEndian.Uint32(r.data[base:])
	n := binary.LittleEndian.Uint32(r.data[base+4:])
	start := int(r.h.dataOff) + int(off)

	return string(r.data[start : start+int(n)])
}

func (r *Reader) recordValue(i int) (variant.Value, error) {
	base := int(r.h.indexOff) + i*indexEntrySize
	off := binary.LittleEndian.Uint32(r.data[base+8:])
	n := binary.LittleEndian.Uint32(r.data[base+12:])
	start := int(r.h.dataOff) + int(off)

	v, err := variant.Unmarshal(r.data[start : start+int(n)])
	if err != nil {
		return variant.Value{}, fmt.Errorf("%w: decoding entry %d: %v", ErrCorrupt, i, err)
	}

	return v, nil
}

// search returns the index of path, or (insertion point, false).
func (r *Reader) search(path string) (int, bool) {
	n := int(r.h.entryCount)

	i := sort.Search(n, func(i int) bool { return r.recordPath(i) >= path })
	if i < n && r.recordPath(i) == path {
		return i, true
	}

	return i, false
}

// Get returns the value stored at path, unwrapped from its variant
// envelope, or ok=false if path has no entry.
func (r *Reader) Get(path string) (value variant.Value, ok bool, err error) {
	i, found := r.search(path)
	if !found {
		return variant.Value{}, false, nil
	}

	v, err := r.recordValue(i)
	if err != nil {
		return variant.Value{}, false, err
	}

	return v.Unwrap(), true, nil
}

// GetTable returns every entry whose path begins with prefix, realized as
// a contiguous binary-searched range of the sorted table (SPEC_FULL.md §2.1:
// "GetTable realized as a prefix-filtered view, no separate on-disk trie
// structure").
func (r *Reader) GetTable(prefix string) ([]Entry, error) {
	n := int(r.h.entryCount)

	start := sort.Search(n, func(i int) bool { return r.recordPath(i) >= prefix })

	var out []Entry

	for i := start; i < n; i++ {
		p := r.recordPath(i)
		if len(p) < len(prefix) || p[:len(prefix)] != prefix {
			break
		}

		v, err := r.recordValue(i)
		if err != nil {
			return nil, err
		}

		out = append(out, Entry{Path: p, Value: v.Unwrap()})
	}

	return out, nil
}

// IsLocked reports whether path is recorded in the .locks sub-table.
func (r *Reader) IsLocked(path string) bool {
	_, found := r.search(lockPrefix + path)

	return found
}

// Locks returns every locked path recorded in the .locks sub-table.
func (r *Reader) Locks() []string {
	entries, err := r.GetTable(lockPrefix)
	if err != nil {
		return nil
	}

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path[len(lockPrefix):]
	}

	return out
}
