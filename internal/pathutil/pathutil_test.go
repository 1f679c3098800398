package pathutil_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/confdb/confd/internal/pathutil"
)

type flags struct {
	path, key, dir, rel, relKey, relDir bool
}

func TestPredicates(t *testing.T) {
	cases := []struct {
		s string
		f flags
	}{
		{"", flags{relDir: true, rel: true}},
		{"/", flags{path: true, dir: true}},

		{"/key", flags{path: true, key: true}},
		{"/path/", flags{path: true, dir: true}},
		{"/path/key", flags{path: true, key: true}},
		{"/path/path/", flags{path: true, dir: true}},
		{"/a/b", flags{path: true, key: true}},
		{"/a/b/", flags{path: true, dir: true}},

		{"//key", flags{}},
		{"//path/", flags{}},
		{"//path/key", flags{}},
		{"//path/path/", flags{}},
		{"//a/b", flags{}},
		{"//a/b/", flags{}},

		{"/path//", flags{}},
		{"/path/path//", flags{}},
		{"/a/b//", flags{}},
		{"/path//key", flags{}},
		{"/path//path/", flags{}},
		{"/a//b", flags{}},
		{"/a//b/", flags{}},

		{"key", flags{rel: true, relKey: true}},
		{"path/", flags{rel: true, relDir: true}},
		{"path/key", flags{rel: true, relKey: true}},
		{"path/path/", flags{rel: true, relDir: true}},
		{"a/b", flags{rel: true, relKey: true}},
		{"a/b/", flags{rel: true, relDir: true}},

		{"path//", flags{}},
		{"path/path//", flags{}},
		{"a/b//", flags{}},
		{"path//key", flags{}},
		{"path//path/", flags{}},
		{"a//b", flags{}},
		{"a//b/", flags{}},
	}

	for _, c := range cases {
		require.Equal(t, c.f.path, pathutil.IsPath(c.s), "IsPath(%q)", c.s)
		require.Equal(t, c.f.key, pathutil.IsKey(c.s), "IsKey(%q)", c.s)
		require.Equal(t, c.f.dir, pathutil.IsDir(c.s), "IsDir(%q)", c.s)
		require.Equal(t, c.f.rel, pathutil.IsRel(c.s), "IsRel(%q)", c.s)
		require.Equal(t, c.f.relKey, pathutil.IsRelKey(c.s), "IsRelKey(%q)", c.s)
		require.Equal(t, c.f.relDir, pathutil.IsRelDir(c.s), "IsRelDir(%q)", c.s)
	}
}

func TestParentAndName(t *testing.T) {
	require.Equal(t, "/a/", pathutil.Parent("/a/b"))
	require.Equal(t, "/a/", pathutil.Parent("/a/b/"))
	require.Equal(t, "/", pathutil.Parent("/a"))
	require.Equal(t, "/", pathutil.Parent("/a/"))

	require.Equal(t, "b", pathutil.Name("/a/b"))
	require.Equal(t, "b", pathutil.Name("/a/b/"))
	require.Equal(t, "a", pathutil.Name("/a/"))
}

func TestHasPrefix(t *testing.T) {
	require.True(t, pathutil.HasPrefix("/a/b", "/a/"))
	require.True(t, pathutil.HasPrefix("/a/", "/a/"))
	require.False(t, pathutil.HasPrefix("/ab", "/a/"))
}
