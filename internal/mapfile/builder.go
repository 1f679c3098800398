package mapfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/natefinch/atomic"

	"github.com/confdb/confd/pkg/variant"
)

// Builder accumulates (path, value) pairs and serializes them into a new
// DCF1 file. A Builder is used once, the way the writer service rebuilds
// a database's map file wholesale on every commit (spec.md §4.6).
type Builder struct {
	entries map[string]variant.Value
	locks   map[string]struct{}
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		entries: make(map[string]variant.Value),
		locks:   make(map[string]struct{}),
	}
}

// Put records path mapped to value, wrapping it in a variant if it isn't
// already one (spec.md §3: stored values are always variant-wrapped).
func (b *Builder) Put(path string, value variant.Value) {
	if value.Kind() != variant.KindVariant {
		value = variant.Wrap(value)
	}

	b.entries[path] = value
}

// Lock records path as locked in the .locks sub-table.
func (b *Builder) Lock(path string) {
	b.locks[path] = struct{}{}
}

// Build serializes the accumulated entries into the DCF1 format.
func (b *Builder) Build() []byte {
	paths := make([]string, 0, len(b.entries)+len(b.locks))
	for p := range b.entries {
		paths = append(paths, p)
	}

	for p := range b.locks {
		paths = append(paths, lockPrefix+p)
	}

	sort.Strings(paths)

	var data []byte
	index := make([]byte, 0, len(paths)*indexEntrySize)

	for _, p := range paths {
		pathOff := uint32(len(data))
		data = append(data, p...)
		pathLen := uint32(len(data)) - pathOff

		var encoded []byte
		if lockEntry, isLock := cutLockPrefix(p); isLock {
			_ = lockEntry
			encoded = variant.Marshal(variant.Bool(true))
		} else {
			encoded = variant.Marshal(b.entries[p])
		}

		valueOff := uint32(len(data))
		data = append(data, encoded...)
		valueLen := uint32(len(data)) - valueOff

		rec := make([]byte, indexEntrySize)
		binary.LittleEndian.PutUint32(rec[0:], pathOff)
		binary.LittleEndian.PutUint32(rec[4:], pathLen)
		binary.LittleEndian.PutUint32(rec[8:], valueOff)
		binary.LittleEndian.PutUint32(rec[12:], valueLen)
		index = append(index, rec...)
	}

	h := header{
		valid:      true,
		version:    formatVersion,
		headerSize: headerSize,
		entryCount: uint32(len(paths)),
		indexOff:   uint64(headerSize),
		indexSize:  uint64(len(index)),
		dataOff:    uint64(headerSize) + uint64(len(index)),
		dataSize:   uint64(len(data)),
	}

	out := make([]byte, 0, headerSize+len(index)+len(data))
	out = append(out, encodeHeader(h)...)
	out = append(out, index...)
	out = append(out, data...)

	return out
}

func cutLockPrefix(p string) (string, bool) {
	if len(p) >= len(lockPrefix) && p[:len(lockPrefix)] == lockPrefix {
		return p[len(lockPrefix):], true
	}

	return "", false
}

// WriteFile atomically replaces the file at path with the built contents,
// using a temp-file-then-rename so concurrent readers never observe a
// partially written file (grounded on the teacher's direct use of
// github.com/natefinch/atomic at call sites, e.g. cache_binary.go and
// lock.go, rather than through the pkg/fs abstraction).
func WriteFile(path string, b *Builder) error {
	buf := b.Build()

	if err := atomic.WriteFile(path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("mapfile: atomic write %s: %w", path, err)
	}

	return nil
}
