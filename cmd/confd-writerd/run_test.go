package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunRegistersDatabasesAndServesUntilSignal(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "writerd.hujson")
	blamePath := filepath.Join(dir, "blame.log")

	cfg := `{
		// one user database for the test
		"databases": [
			{"name": "user", "kind": "user", "data_path": "` + filepath.Join(dir, "user") + `", "flag_path": "` + filepath.Join(dir, "user.flag") + `"}
		],
		"blame": true,
		"blame_path": "` + blamePath + `"
	}`
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	var stdout, stderr bytes.Buffer

	sigCh := make(chan os.Signal, 1)
	done := make(chan int, 1)

	go func() {
		done <- run([]string{"--config", cfgPath}, nil, &stderr, sigCh)
	}()

	sigCh <- os.Interrupt

	code := <-done
	require.Equal(t, 0, code)
	require.Contains(t, stderr.String(), "serving 1 database(s)")
	require.Empty(t, stdout.String())

	_, err := os.Stat(filepath.Join(dir, "user"))
	require.NoError(t, err, "Init must have materialized the empty database file")
}

func TestRunInvalidConfigErrors(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.hujson")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"databases": [{"name": ""}]}`), 0o600))

	var stderr bytes.Buffer

	code := run([]string{"--config", cfgPath}, nil, &stderr, make(chan os.Signal))
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "name is required")
}
