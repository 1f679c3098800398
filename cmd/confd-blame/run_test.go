package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunPrintsBlameFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blame.log")
	require.NoError(t, os.WriteFile(path, []byte("2026-01-01T00:00:00Z  user  /a/b[]  tag=x:1\n"), 0o600))

	var stdout, stderr bytes.Buffer

	code := run([]string{"--path", path}, &stdout, &stderr)
	require.Equal(t, 0, code)
	require.Empty(t, stderr.String())
	require.Contains(t, stdout.String(), "tag=x:1")
}

func TestRunMissingPathFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := run(nil, &stdout, &stderr)
	require.Equal(t, 2, code)
	require.Contains(t, stderr.String(), "--path is required")
}

func TestRunMissingFile(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := run([]string{"--path", filepath.Join(t.TempDir(), "nope")}, &stdout, &stderr)
	require.Equal(t, 1, code)
}
