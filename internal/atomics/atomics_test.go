package atomics

import (
	"errors"
	"sync"
	"testing"

	"github.com/dreamware/atlas/internal/errs"
)

func TestCas(t *testing.T) {
	t.Run("swaps on match", func(t *testing.T) {
		var cell uint32
		if err := Cas(&cell, 0, 7); err != nil {
			t.Fatalf("cas on matching cell: %v", err)
		}
		if cell != 7 {
			t.Errorf("cell = %d, want 7", cell)
		}
	})

	t.Run("reports busy on mismatch", func(t *testing.T) {
		cell := uint32(5)
		err := Cas(&cell, 0, 7)
		if !errors.Is(err, errs.ErrObjectInUse) {
			t.Errorf("err = %v, want ErrObjectInUse", err)
		}
		if cell != 5 {
			t.Errorf("cell = %d, want untouched 5", cell)
		}
	})

	t.Run("nil cell is bad parameters", func(t *testing.T) {
		if err := Cas(nil, 0, 1); !errors.Is(err, errs.ErrBadParameters) {
			t.Errorf("err = %v, want ErrBadParameters", err)
		}
	})

	t.Run("exactly one concurrent winner", func(t *testing.T) {
		var cell uint32
		var wg sync.WaitGroup
		wins := make([]bool, 64)
		for i := range wins {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				wins[i] = Cas(&cell, 0, uint32(i)+1) == nil
			}(i)
		}
		wg.Wait()
		winners := 0
		for _, w := range wins {
			if w {
				winners++
			}
		}
		if winners != 1 {
			t.Errorf("winners = %d, want exactly 1", winners)
		}
	})
}

func TestArithmetic(t *testing.T) {
	var cell uint32
	var wg sync.WaitGroup
	const workers, ops = 8, 100000
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < ops; i++ {
				Inc(&cell)
				Add(&cell, 5)
				Sub(&cell, 4)
				Dec(&cell)
				Dec(&cell)
			}
		}()
	}
	wg.Wait()
	if got := Load(&cell); got != 0 {
		t.Errorf("cell = %d after balanced ops, want 0", got)
	}
}

func TestTicks(t *testing.T) {
	a := Ticks()
	b := Ticks()
	if b < a {
		t.Errorf("ticks went backwards: %d then %d", a, b)
	}
}
