package main

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config carries the harness settings: the IPC key space the run operates
// in and the sizing knobs for the heavier sections. Values come from
// built-in defaults, overlaid by an optional TOML file (-config), overlaid
// by environment variables.
//
// Example config file:
//
//	ipc_base = 775000
//	kilroy = 1
//	table_rows = 1000
//	btree_rows = 1400
//	concurrency_reps = 50000
type Config struct {
	// IPCBase is the first shared-memory/semaphore key the harness uses;
	// each section offsets from it. Override with ATLAS_IPC_BASE.
	IPCBase int `toml:"ipc_base"`

	// Kilroy is this process's lock identity. 0 means derive from the
	// process id. Override with ATLAS_KILROY.
	Kilroy uint32 `toml:"kilroy"`

	// TableRows sizes the Tables section data set.
	TableRows int `toml:"table_rows"`

	// BTreeRows sizes the BTrees section data sets.
	BTreeRows int `toml:"btree_rows"`

	// ConcurrencyReps is the operation count per worker in the
	// concurrency phases.
	ConcurrencyReps int `toml:"concurrency_reps"`
}

func defaultConfig() Config {
	return Config{
		IPCBase:         775000,
		TableRows:       1000,
		BTreeRows:       1400,
		ConcurrencyReps: 50000,
	}
}

// loadConfig resolves the effective configuration. A missing config file is
// an error only when one was explicitly requested.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if v := os.Getenv("ATLAS_IPC_BASE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n != 0 {
			cfg.IPCBase = n
		}
	}
	if v := os.Getenv("ATLAS_KILROY"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n != 0 {
			cfg.Kilroy = uint32(n)
		}
	}
	if cfg.Kilroy == 0 {
		cfg.Kilroy = uint32(os.Getpid())
	}
	return cfg, nil
}
