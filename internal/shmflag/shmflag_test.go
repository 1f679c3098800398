package shmflag_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/confdb/confd/internal/shmflag"
)

func TestWriterCreatesAndInvalidates(t *testing.T) {
	path := shmflag.Path(t.TempDir(), "user")

	w, err := shmflag.OpenWriter(path)
	require.NoError(t, err)

	r, err := shmflag.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	require.False(t, r.Invalid())

	require.NoError(t, w.Invalidate())
	require.True(t, r.Invalid())

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "flag file should be unlinked after Invalidate")

	require.NoError(t, w.Close())
}

func TestOpenReaderMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dconf", "user")

	_, err := shmflag.OpenReader(path)
	require.True(t, os.IsNotExist(err))
}
