// Package pathutil implements the path-syntax predicates shared by every
// layer of confd: a path names a location in the hierarchical key/value
// tree, and must be unambiguous about whether it refers to a single key
// or to a dir that can hold further keys and dirs (spec.md §3 "Path").
package pathutil

import "strings"

// IsPath reports whether s is a valid absolute path: non-empty, starting
// with '/', and containing no "//".
func IsPath(s string) bool {
	if len(s) == 0 || s[0] != '/' {
		return false
	}

	return !strings.Contains(s, "//")
}

// IsKey reports whether s is a valid key: a path that does not end in
// '/' (and so is not "/" itself, since "/" ends in '/').
//
// "/a", "/a/b" and "/a/b/c" are keys. "", "/", "a", "a/b", "//a/b",
// "/a//b", and "/a/" are not.
func IsKey(s string) bool {
	return IsPath(s) && !strings.HasSuffix(s, "/")
}

// IsDir reports whether s is a valid dir: a path that ends in '/'.
//
// "/", "/a/" and "/a/b/" are dirs. "", "a/", "a/b/", "//a/b/", "/a//b/"
// and "/a" are not.
func IsDir(s string) bool {
	return IsPath(s) && strings.HasSuffix(s, "/")
}

// IsRel reports whether s is a valid relative path: one that, appended
// to a dir, forms a valid path. A rel must not start with '/' and must
// not contain "//".
func IsRel(s string) bool {
	if len(s) > 0 && s[0] == '/' {
		return false
	}

	return !strings.Contains(s, "//")
}

// IsRelKey reports whether s is a valid relative key: a rel that does
// not start or end with '/'.
//
// "a", "a/b" and "a/b/c" are relative keys. "", "/", "/a", "/a/b",
// "//a/b", "/a//b", and "a/" are not.
func IsRelKey(s string) bool {
	return s != "" && IsRel(s) && !strings.HasSuffix(s, "/")
}

// IsRelDir reports whether s is a valid relative dir: a rel that ends
// with '/', except that the empty string also counts (appending "" to
// a dir yields that same dir).
//
// "", "a/" and "a/b/" are relative dirs. "/", "/a/", "/a/b/", "//a/b/",
// "a//b/" and "a" are not.
func IsRelDir(s string) bool {
	if s == "" {
		return true
	}

	return IsRel(s) && strings.HasSuffix(s, "/")
}

// Parent returns the dir containing key or dir p, i.e. p with its last
// path component stripped. Parent("/") is undefined (the root has no
// parent); callers must check p != "/" first for dirs.
func Parent(p string) string {
	trimmed := p
	if IsDir(p) && p != "/" {
		trimmed = p[:len(p)-1]
	}

	i := strings.LastIndexByte(trimmed, '/')
	if i < 0 {
		return "/"
	}

	return trimmed[:i+1]
}

// Name returns the last path component of p, without any trailing '/'.
func Name(p string) string {
	trimmed := strings.TrimSuffix(p, "/")

	i := strings.LastIndexByte(trimmed, '/')
	if i < 0 {
		return trimmed
	}

	return trimmed[i+1:]
}

// HasPrefix reports whether dir d is d itself or an ancestor of p, i.e.
// p == d or p starts with d. d must be a dir for this to be meaningful.
func HasPrefix(p, d string) bool {
	return p == d || strings.HasPrefix(p, d)
}
