// Package keyfile implements the alternative writer backend of spec.md
// §4.7: a human-readable "[group]"/"key=printed-value" text file that
// tolerates external modification, diffing disk against its in-memory
// committed state on every operation and merging what it finds.
package keyfile

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/confdb/confd/pkg/variant"
)

// rootGroup is the literal spelling of the root group header (spec.md
// §4.7: "Group [/] is the root").
const rootGroup = "/"

// parsedEntry is one successfully parsed "key=value" line, resolved to
// its absolute path.
type parsedEntry struct {
	path  string
	value variant.Value
}

// parseError is one skipped line, reported back to the caller for
// diagnostics rather than aborting the whole parse (spec.md §4.7:
// "invalid groups and unparsable values are reported and skipped").
type parseError struct {
	line int
	text string
	err  error
}

func (e parseError) Error() string {
	return fmt.Sprintf("keyfile: line %d: %s: %v", e.line, e.text, e.err)
}

// parse reads a keyfile document and returns every entry it could make
// sense of plus a list of the lines it could not.
func parse(r io.Reader) (entries []parsedEntry, skipped []parseError) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1<<20)

	group := rootGroup
	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			name, err := parseGroupHeader(line)
			if err != nil {
				skipped = append(skipped, parseError{lineNo, line, err})

				continue
			}

			group = name

			continue
		}

		key, raw, ok := strings.Cut(line, "=")
		if !ok {
			skipped = append(skipped, parseError{lineNo, line, fmt.Errorf("no '=' in key line")})

			continue
		}

		key = strings.TrimSpace(key)

		v, err := variant.ParseText(strings.TrimSpace(raw))
		if err != nil {
			skipped = append(skipped, parseError{lineNo, line, err})

			continue
		}

		path, err := groupKeyToPath(group, key)
		if err != nil {
			skipped = append(skipped, parseError{lineNo, line, err})

			continue
		}

		entries = append(entries, parsedEntry{path: path, value: v})
	}

	return entries, skipped
}

func parseGroupHeader(line string) (string, error) {
	if !strings.HasSuffix(line, "]") {
		return "", fmt.Errorf("unterminated group header")
	}

	name := line[1 : len(line)-1]
	if name == rootGroup {
		return rootGroup, nil
	}

	if name == "" || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return "", fmt.Errorf("invalid group name %q", name)
	}

	return name, nil
}

// groupKeyToPath resolves a (group, key) pair to an absolute confd path.
// The root group's keys live directly under "/"; nested groups become
// "/"-separated dirs.
func groupKeyToPath(group, key string) (string, error) {
	if key == "" || strings.Contains(key, "/") {
		return "", fmt.Errorf("invalid key %q", key)
	}

	if group == rootGroup {
		return "/" + key, nil
	}

	return "/" + group + "/" + key, nil
}

// pathToGroupKey is the inverse of groupKeyToPath, used when rendering.
func pathToGroupKey(path string) (group, key string) {
	trimmed := strings.TrimPrefix(path, "/")

	i := strings.LastIndexByte(trimmed, '/')
	if i < 0 {
		return rootGroup, trimmed
	}

	return trimmed[:i], trimmed[i+1:]
}

// render writes entries as a keyfile document, grouped and sorted so
// repeated writes of unchanged state are byte-identical.
func render(w io.Writer, entries []parsedEntry) error {
	byGroup := make(map[string][]parsedEntry)

	var groups []string

	for _, e := range entries {
		g, _ := pathToGroupKey(e.path)
		if _, ok := byGroup[g]; !ok {
			groups = append(groups, g)
		}

		byGroup[g] = append(byGroup[g], e)
	}

	sort.Strings(groups)

	for _, g := range groups {
		if _, err := fmt.Fprintf(w, "[%s]\n", g); err != nil {
			return err
		}

		items := byGroup[g]
		sort.Slice(items, func(i, j int) bool { return items[i].path < items[j].path })

		for _, e := range items {
			_, key := pathToGroupKey(e.path)
			if _, err := fmt.Fprintf(w, "%s=%s\n", key, variant.Print(e.value)); err != nil {
				return err
			}
		}

		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}

	return nil
}
