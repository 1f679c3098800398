// Package source implements one profile layer: a named, kinded handle
// onto a map file, with the invalidation-driven refresh/reopen cycle that
// lets the engine serve a lock-free read (spec.md §4.4).
package source

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/confdb/confd/internal/mapfile"
	"github.com/confdb/confd/internal/shmflag"
	"github.com/confdb/confd/pkg/variant"
)

// Kind identifies a source's writability and where its file lives.
type Kind int

const (
	// KindUser is a file under the user config directory, invalidation-
	// flag mapped from the user runtime directory, writable via the
	// session bus.
	KindUser Kind = iota
	// KindService is like KindUser but the file lives under the runtime
	// directory (ephemeral). Opening a missing file sends no Init RPC: the
	// source is left in StateError until the file appears.
	KindService
	// KindSystem is a file under a fixed system directory: no
	// invalidation flag (the map's own validity bit covers it), not
	// writable.
	KindSystem
	// KindFile is opened once with no invalidation and no bus identity.
	KindFile
)

// State is a source's current lifecycle state (spec.md §4.4 "States").
type State int

const (
	StateUnopened State = iota
	StateOpenValid
	StateOpenInvalid
	StateError
)

// Source is one profile layer.
type Source struct {
	mu sync.Mutex

	Name string
	Kind Kind
	// Path is the map file's location on disk.
	Path string
	// BusObjectPath is this source's writer object path, set for
	// writable kinds (user, service).
	BusObjectPath string

	state State

	reader    *mapfile.Reader
	flag      *shmflag.Reader
	flagPath  string
	diagSent  bool
	lastError error
}

// New constructs a Source for a profile entry. flagPath is the
// invalidation file path (only meaningful for KindUser/KindService); pass
// "" for KindSystem/KindFile.
func New(name string, kind Kind, path, flagPath string) *Source {
	return &Source{Name: name, Kind: kind, Path: path, flagPath: flagPath, state: StateUnopened}
}

// State reports the source's current lifecycle state.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Refresh reads the invalidation byte for kinds that have one (KindUser,
// and KindService when configured with a flag path), and additionally
// checks the map file's own header validity bit for KindService/KindSystem
// on every call, since those kinds cannot rely on the shm page alone
// (spec.md §9 "readers must check both: the page for user-writable
// sources, the header bit for service-writable sources" — only
// KindUser relies on the shm byte by itself). It re-opens if stale and
// reports whether the file was re-opened.
func (s *Source) Refresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := s.state == StateUnopened || s.state == StateError

	if s.flag != nil && s.flag.Invalid() {
		stale = true
	}

	if !stale && s.reader != nil && (s.Kind == KindService || s.Kind == KindSystem) && !s.reader.IsValid() {
		stale = true
	}

	if !stale {
		return false
	}

	s.reopenLocked()

	return true
}

func (s *Source) reopenLocked() {
	if s.reader != nil {
		s.reader.Close()
		s.reader = nil
	}

	if s.flag != nil {
		s.flag.Close()
		s.flag = nil
	}

	reader, err := mapfile.Open(s.Path)
	if err != nil {
		s.state = StateError
		s.lastError = err
		s.emitDiagnosticLocked(err)

		return
	}

	s.reader = reader

	if s.flagPath != "" {
		flag, err := shmflag.OpenReader(s.flagPath)
		if err != nil && !os.IsNotExist(err) {
			s.state = StateError
			s.lastError = err
			s.emitDiagnosticLocked(err)

			return
		}

		s.flag = flag
	}

	s.state = StateOpenValid
	s.lastError = nil
}

// emitDiagnosticLocked prints one stderr line on the first failure only;
// subsequent failures for the same source are silent (spec.md §4.4).
func (s *Source) emitDiagnosticLocked(err error) {
	if s.diagSent {
		return
	}

	s.diagSent = true

	fmt.Fprintf(os.Stderr, "confd: source %s (%s): %v\n", s.Name, s.Path, err)
}

// Lookup returns the value stored at key, unwrapped, or ok=false.
func (s *Source) Lookup(key string) (variant.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reader == nil {
		return variant.Value{}, false
	}

	v, ok, err := s.reader.Get(key)
	if err != nil || !ok {
		return variant.Value{}, false
	}

	return v, true
}

// HasValue reports whether key has a stored value in this source.
func (s *Source) HasValue(key string) bool {
	_, ok := s.Lookup(key)

	return ok
}

// HasLock reports whether key is recorded in this source's .locks
// sub-table.
func (s *Source) HasLock(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reader == nil {
		return false
	}

	return s.reader.IsLocked(key)
}

// List returns the direct child names of dir present in this source: the
// unique path-component immediately following dir, for every entry this
// source has at or under dir.
func (s *Source) List(dir string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reader == nil {
		return nil
	}

	entries, err := s.reader.GetTable(dir)
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})

	var names []string

	for _, e := range entries {
		rest := e.Path[len(dir):]

		name := rest
		if i := indexByte(rest, '/'); i >= 0 {
			name = rest[:i+1]
		}

		if name == "" {
			continue
		}

		if _, ok := seen[name]; ok {
			continue
		}

		seen[name] = struct{}{}
		names = append(names, name)
	}

	return names
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}

	return -1
}

// Writable reports whether this source's kind accepts writes at all
// (independent of lock precedence, which the engine evaluates across the
// whole profile — spec.md §4.1 is_writable).
func (s *Source) Writable() bool {
	return s.Kind == KindUser || s.Kind == KindService
}

// UserRuntimeFlagPath returns the invalidation-flag path for a
// user-writable or service-writable database under runtimeDir.
func UserRuntimeFlagPath(runtimeDir, dbName string) string {
	return shmflag.Path(runtimeDir, dbName)
}

// UserConfigPath returns the default on-disk path for a user database.
func UserConfigPath(configDir, dbName string) string {
	return filepath.Join(configDir, "confd", dbName)
}
