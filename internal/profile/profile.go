// Package profile parses dconf profile files: an ordered list of source
// declarations assembled into the engine's layer stack at startup
// (spec.md §4.5).
package profile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Kind identifies a source's storage backend and writability.
type Kind string

const (
	KindUserDB    Kind = "user-db"
	KindSystemDB  Kind = "system-db"
	KindServiceDB Kind = "service-db"
	KindFileDB    Kind = "file-db"
)

// maxLineLength is the fixed line buffer size dconf profile files are
// parsed with; longer lines are skipped with a diagnostic rather than
// read in full, mirroring the teacher's fixed-size scan buffers.
const maxLineLength = 80

// Entry is one parsed profile declaration.
type Entry struct {
	Kind Kind
	Name string
}

// Profile is an ordered list of source declarations, layer 0 first
// (most specific, the only layer writes go to).
type Profile struct {
	Name    string
	Entries []Entry
}

// Default returns the fallback profile used when no profile file can be
// found: a single user-db named "user".
func Default() *Profile {
	return &Profile{Name: "default", Entries: []Entry{{Kind: KindUserDB, Name: "user"}}}
}

// Null returns an empty profile, used when a profile was explicitly named
// but could not be opened.
func Null() *Profile {
	return &Profile{Name: "null"}
}

// Resolve implements the lookup order from spec.md §4.5:
//
//  1. explicitPath, if non-empty
//  2. $DCONF_PROFILE (as /etc/dconf/profile/<value> if not absolute)
//  3. /etc/dconf/profile/user
//  4. the Default profile
//
// Absence of an explicitPath file (1) is fatal. An unreadable
// $DCONF_PROFILE file (2) prints a warning to stderr and yields Null().
// Absence at the fallback step (3) is silent and yields Default().
func Resolve(explicitPath string) (*Profile, error) {
	if explicitPath != "" {
		p, err := loadFile(explicitPath)
		if err != nil {
			return nil, fmt.Errorf("profile: explicit profile %s: %w", explicitPath, err)
		}

		return p, nil
	}

	if env := os.Getenv("DCONF_PROFILE"); env != "" {
		path := env
		if !filepath.IsAbs(path) {
			path = filepath.Join("/etc/dconf/profile", env)
		}

		p, err := loadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "profile: unable to open named profile %s: %v; using the null profile\n", env, err)

			return Null(), nil //nolint:nilerr // unreadable named profile warns and falls back, per dconf_engine_profile_get_default
		}

		return p, nil
	}

	if p, err := loadFile("/etc/dconf/profile/user"); err == nil {
		return p, nil
	}

	return Default(), nil
}

func loadFile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Parse(f, filepath.Base(path))
}

// Parse reads profile declarations from r. name is recorded on the
// returned Profile for diagnostics.
func Parse(r io.Reader, name string) (*Profile, error) {
	p := &Profile{Name: name}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 64*1024)

	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := scanner.Text()
		if len(line) > maxLineLength {
			// long line: skipped with a diagnostic
			fmt.Fprintf(os.Stderr, "profile: %s: line %d longer than %d bytes, skipped\n", name, lineNo, maxLineLength)

			continue
		}

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		entry, ok := parseLine(line, lineNo)
		if !ok {
			continue
		}

		p.Entries = append(p.Entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("profile: reading %s: %w", name, err)
	}

	return p, nil
}

// parseLine parses one non-empty, non-comment line: either "kind:name",
// or a bare word without a colon as shorthand. A bare word on line 1
// means "user-db:<line-contents>" (so a bare "user" is "user-db:user");
// on any other line it means "system-db:<line-contents>" (there being no
// ambiguity since the user database may only ever appear once, at the
// top).
func parseLine(line string, lineNo int) (Entry, bool) {
	kindStr, name, found := strings.Cut(line, ":")
	if !found {
		if lineNo == 1 {
			return Entry{Kind: KindUserDB, Name: line}, true
		}

		return Entry{Kind: KindSystemDB, Name: line}, true
	}

	kind := Kind(kindStr)

	switch kind {
	case KindUserDB, KindSystemDB, KindServiceDB, KindFileDB:
		return Entry{Kind: kind, Name: name}, true
	default:
		return Entry{}, false
	}
}
