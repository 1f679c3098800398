package keyfile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/confdb/confd/internal/keyfile"
	"github.com/confdb/confd/pkg/changeset"
	"github.com/confdb/confd/pkg/variant"
)

func ptr(v variant.Value) *variant.Value { return &v }

func TestChangeWritesAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "user")

	w := keyfile.New("user", path, path+".lock", "bus:1")

	sigs, err := w.Change(changeset.NewWrite("/a/b", ptr(variant.Int32(5))))
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	require.NotEmpty(t, sigs[0].Tag)
	// a single-key diff's common prefix is the whole path, so the
	// relative path recorded is empty.
	require.Equal(t, []string{""}, sigs[0].Paths)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "[a]")
	require.Contains(t, string(data), "b=int32 5")

	w2 := keyfile.New("user", path, path+".lock", "bus:1")
	sigs, err = w2.Change(changeset.NewWrite("/a/b", ptr(variant.Int32(5))))
	require.NoError(t, err)
	// w2 starts with no committed state, so it reports w's write as an
	// external edit (empty Tag); its own repeat of that write is a no-op
	// and adds no tagged signal.
	require.Len(t, sigs, 1)
	require.Empty(t, sigs[0].Tag)
	require.Equal(t, "/a/b", sigs[0].Prefix)
}

func TestChangeMergesExternalEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "user")

	w := keyfile.New("user", path, path+".lock", "bus:1")
	_, err := w.Change(changeset.NewWrite("/a/b", ptr(variant.Int32(1))))
	require.NoError(t, err)

	// An external editor appends a new group/key directly to the file.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("[grp]\nk=int32 5\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	sigs, err := w.Change(changeset.New())
	require.NoError(t, err)
	require.Len(t, sigs, 1, "the empty client change-set still surfaces the external-edit diff")
	require.Empty(t, string(sigs[0].Tag), "externally discovered edits carry no writer tag")
	require.Equal(t, []string{""}, sigs[0].Paths)
}

func TestDirResetRootClearsEverything(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "user")

	w := keyfile.New("user", path, path+".lock", "bus:1")
	_, err := w.Change(changeset.NewWrite("/a/b", ptr(variant.Int32(1))))
	require.NoError(t, err)

	sigs, err := w.Change(changeset.NewWrite("/", nil))
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, string(data))
}

func TestDirResetPrefixRemovesMatchingGroups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "user")

	w := keyfile.New("user", path, path+".lock", "bus:1")
	cs := changeset.New()
	require.NoError(t, cs.Set("/prefix/a/k", ptr(variant.Int32(1))))
	require.NoError(t, cs.Set("/prefix-other/k", ptr(variant.Int32(2))))
	require.NoError(t, cs.Set("/kept/k", ptr(variant.Int32(3))))
	_, err := w.Change(cs)
	require.NoError(t, err)

	_, err = w.Change(changeset.NewWrite("/prefix/", nil))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "prefix/a")
	require.Contains(t, string(data), "prefix-other")
	require.Contains(t, string(data), "kept")
}

func TestParseTextRoundTrip(t *testing.T) {
	cases := []variant.Value{
		variant.Bool(true),
		variant.Int32(-7),
		variant.Uint64(42),
		variant.Double(3.5),
		variant.String("hello 'world'"),
	}

	for _, v := range cases {
		printed := variant.Print(v)

		parsed, err := variant.ParseText(printed)
		require.NoError(t, err, printed)
		require.True(t, variant.Equal(v, parsed), "%v != %v (via %q)", v, parsed, printed)
	}
}

func TestParseSkipsUnparsableLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "user")

	require.NoError(t, os.WriteFile(path, []byte("[/]\ngood=int32 1\nbad line with no equals\nbad2=notatype garbage\n"), 0o600))

	w := keyfile.New("user", path, path+".lock", "bus:1")
	sigs, err := w.Change(changeset.New())
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	require.Equal(t, []string{""}, sigs[0].Paths)
}
