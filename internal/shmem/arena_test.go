package shmem

import (
	"errors"
	"testing"

	"github.com/dreamware/atlas/internal/errs"
)

func TestScratchArena(t *testing.T) {
	t.Run("allocations are aligned and distinct", func(t *testing.T) {
		arena, err := NewScratchArena(1024)
		if err != nil {
			t.Fatal(err)
		}
		a, err := arena.Alloc(5)
		if err != nil {
			t.Fatal(err)
		}
		b, err := arena.Alloc(5)
		if err != nil {
			t.Fatal(err)
		}
		a[0], b[0] = 1, 2
		if a[0] == b[0] {
			t.Errorf("allocations alias")
		}
		// 5 rounds to 8; the second allocation starts on the next boundary.
		if arena.HighWater() != 16 {
			t.Errorf("high water = %d, want 16", arena.HighWater())
		}
	})

	t.Run("exhaustion", func(t *testing.T) {
		arena, err := NewScratchArena(64)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := arena.Alloc(64); err != nil {
			t.Fatal(err)
		}
		if _, err := arena.Alloc(1); !errors.Is(err, errs.ErrOutOfMemory) {
			t.Errorf("over-alloc = %v, want ErrOutOfMemory", err)
		}
	})

	t.Run("reset rewinds, high water persists", func(t *testing.T) {
		arena, err := NewScratchArena(128)
		if err != nil {
			t.Fatal(err)
		}
		for round := 0; round < 100; round++ {
			arena.Reset()
			for i := 0; i < 4; i++ {
				if _, err := arena.Alloc(32); err != nil {
					t.Fatalf("round %d alloc %d: %v", round, i, err)
				}
			}
		}
		if arena.HighWater() != 128 {
			t.Errorf("high water = %d, want 128", arena.HighWater())
		}
	})

	t.Run("bad parameters", func(t *testing.T) {
		if _, err := NewScratchArena(0); !errors.Is(err, errs.ErrBadParameters) {
			t.Errorf("zero size = %v", err)
		}
		arena, _ := NewScratchArena(16)
		if _, err := arena.Alloc(0); !errors.Is(err, errs.ErrBadParameters) {
			t.Errorf("zero alloc = %v", err)
		}
	})
}
