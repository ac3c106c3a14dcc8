package main

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func TestMakeDemoDeterministic(t *testing.T) {
	a := makeDemo(42, rand.New(rand.NewSource(7)))
	b := makeDemo(42, rand.New(rand.NewSource(7)))
	if !bytes.Equal(a, b) {
		t.Error("same seed must produce the same record")
	}
	if demoID(a) != 42 {
		t.Errorf("id = %d, want 42", demoID(a))
	}
	if len(a) != demoSize {
		t.Errorf("record size = %d, want %d", len(a), demoSize)
	}
}

func TestEmailKeyCompare(t *testing.T) {
	k := emailKey{}
	cases := []struct {
		a, b string
		n    int
		want int // sign only
	}{
		{"alice@example.com", "alice@example.com", demoEmailLen, 0},
		{"Alice@example.com", "alice@example.com", demoEmailLen, 0},
		{"alice", "bob", 1, -1},
		{"carol", "bob", 1, 1},
		{"abc", "abd", 2, 0},
		{"abc", "abd", 3, -1},
	}
	for _, tc := range cases {
		got := k.Compare([]byte(tc.a), []byte(tc.b), tc.n)
		switch {
		case tc.want == 0 && got != 0,
			tc.want < 0 && got >= 0,
			tc.want > 0 && got <= 0:
			t.Errorf("Compare(%q, %q, %d) = %d, want sign %d", tc.a, tc.b, tc.n, got, tc.want)
		}
	}
	// The NUL terminator ends the comparison inside the fixed field.
	a := make([]byte, demoEmailLen)
	b := make([]byte, demoEmailLen)
	copy(a, "same@example.com")
	copy(b, "same@example.com")
	b[demoEmailLen-1] = 'x' // past the terminator; must not matter
	if k.Compare(a, b, demoEmailLen) != 0 {
		t.Error("bytes past the NUL terminator must be ignored")
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := loadConfig("")
		if err != nil {
			t.Fatal(err)
		}
		if cfg.IPCBase == 0 || cfg.TableRows == 0 {
			t.Errorf("defaults not applied: %+v", cfg)
		}
		if cfg.Kilroy == 0 {
			t.Error("kilroy must be derived when unset")
		}
	})

	t.Run("file overlay", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "atlas.toml")
		if err := os.WriteFile(path, []byte("ipc_base = 123456\ntable_rows = 7\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg, err := loadConfig(path)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.IPCBase != 123456 || cfg.TableRows != 7 {
			t.Errorf("overlay not applied: %+v", cfg)
		}
	})

	t.Run("env wins", func(t *testing.T) {
		t.Setenv("ATLAS_IPC_BASE", "777000")
		t.Setenv("ATLAS_KILROY", "31337")
		cfg, err := loadConfig("")
		if err != nil {
			t.Fatal(err)
		}
		if cfg.IPCBase != 777000 || cfg.Kilroy != 31337 {
			t.Errorf("env not applied: %+v", cfg)
		}
	})

	t.Run("missing requested file", func(t *testing.T) {
		if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
			t.Error("missing explicit config file must error")
		}
	})
}
