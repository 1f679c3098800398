// Package config loads cmd/confd-writerd's daemon configuration: which
// databases to serve and how (SPEC_FULL.md §3 "Configuration"), from a
// hujson (JSON-with-comments) file the same way the teacher's top-level
// config.go loads ".tk.json".
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/confdb/confd/internal/writerservice"
)

// DatabaseKind mirrors [writerservice.Kind] in a JSON-friendly spelling.
type DatabaseKind string

const (
	KindUser    DatabaseKind = "user"
	KindService DatabaseKind = "service"
)

// Database is one entry of the daemon's database list.
type Database struct {
	Name     string       `json:"name"`
	Kind     DatabaseKind `json:"kind"`
	DataPath string       `json:"data_path"` //nolint:tagliatelle // snake_case for config file
	FlagPath string       `json:"flag_path,omitempty"`
}

// Daemon is the full configuration of a confd-writerd process.
type Daemon struct {
	Databases []Database `json:"databases"`
	Blame     bool       `json:"blame,omitempty"`
	BlamePath string     `json:"blame_path,omitempty"`
}

// ConfigEnvVar names the environment variable confd-writerd consults for
// its config file path (SPEC_FULL.md §3).
const ConfigEnvVar = "DCONFD_CONFIG"

// Load reads and parses the daemon config at path. An empty path yields
// an empty, valid Daemon (no databases registered) rather than an error:
// a writerd with nothing configured is a legitimate, if useless, state.
func Load(path string) (Daemon, error) {
	if path == "" {
		return Daemon{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Daemon{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Daemon{}, fmt.Errorf("config: %s: invalid JSONC: %w", path, err)
	}

	var cfg Daemon

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Daemon{}, fmt.Errorf("config: %s: invalid JSON: %w", path, err)
	}

	for i, db := range cfg.Databases {
		if db.Name == "" {
			return Daemon{}, fmt.Errorf("config: %s: databases[%d]: name is required", path, i)
		}

		if db.Kind != KindUser && db.Kind != KindService {
			return Daemon{}, fmt.Errorf("config: %s: databases[%d]: kind must be %q or %q", path, i, KindUser, KindService)
		}

		if db.DataPath == "" {
			return Daemon{}, fmt.Errorf("config: %s: databases[%d]: data_path is required", path, i)
		}

		if db.Kind == KindUser && db.FlagPath == "" {
			return Daemon{}, fmt.Errorf("config: %s: databases[%d]: flag_path is required for kind %q", path, i, KindUser)
		}
	}

	return cfg, nil
}

// Spec converts a Database config entry to the [writerservice.DatabaseSpec]
// its Router registration expects.
func (db Database) Spec() writerservice.DatabaseSpec {
	kind := writerservice.KindUser
	if db.Kind == KindService {
		kind = writerservice.KindService
	}

	return writerservice.DatabaseSpec{
		Name:     db.Name,
		Kind:     kind,
		DataPath: db.DataPath,
		FlagPath: db.FlagPath,
	}
}
