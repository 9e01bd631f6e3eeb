package grant

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/romshark/netfront-go/pagemem"
)

func TestAcquireExhaustion(t *testing.T) {
	tbl := NewTable(2)
	page := make([]byte, pagemem.PageSize)

	r0, ok := tbl.Acquire(page, false)
	if !ok {
		t.Fatal("first Acquire failed")
	}
	r1, ok := tbl.Acquire(page, true)
	if !ok {
		t.Fatal("second Acquire failed")
	}
	if r0 == r1 {
		t.Fatalf("duplicate ref %d", r0)
	}
	if ref, ok := tbl.Acquire(page, false); ok || ref != InvalidRef {
		t.Fatalf("Acquire on exhausted table = (%d, %t)", ref, ok)
	}

	tbl.Release(r0)
	if _, ok := tbl.Acquire(page, false); !ok {
		t.Fatal("Acquire after Release failed")
	}
}

func TestMapPermissions(t *testing.T) {
	tbl := NewTable(4)
	page := make([]byte, pagemem.PageSize)
	page[7] = 0xAB

	ro, _ := tbl.Acquire(page, false)
	rw, _ := tbl.Acquire(page, true)

	got, err := tbl.Map(ro, false)
	if err != nil {
		t.Fatalf("Map ro: %v", err)
	}
	if got[7] != 0xAB {
		t.Fatal("mapped page does not alias the granted page")
	}
	if _, err := tbl.Map(ro, true); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("Map ro for write err = %v, want ErrReadOnly", err)
	}
	if _, err := tbl.Map(rw, true); err != nil {
		t.Fatalf("Map rw: %v", err)
	}

	tbl.Release(ro)
	if _, err := tbl.Map(ro, false); !errors.Is(err, ErrBadRef) {
		t.Fatalf("Map released err = %v, want ErrBadRef", err)
	}
	if _, err := tbl.Map(Ref(1000), false); !errors.Is(err, ErrBadRef) {
		t.Fatalf("Map unknown err = %v, want ErrBadRef", err)
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	tbl := NewTable(1)
	ref, _ := tbl.Acquire(make([]byte, 16), false)
	tbl.Release(ref)
	defer func() {
		if recover() == nil {
			t.Fatal("second Release did not panic")
		}
	}()
	tbl.Release(ref)
}

func TestOversizeRegionPanics(t *testing.T) {
	tbl := NewTable(1)
	defer func() {
		if recover() == nil {
			t.Fatal("Acquire of two pages did not panic")
		}
	}()
	tbl.Acquire(make([]byte, 2*pagemem.PageSize), false)
}

func TestConservation(t *testing.T) {
	const size = 64
	tbl := NewTable(size)
	rng := rand.New(rand.NewPCG(1, 2))
	page := make([]byte, 128)

	var held []Ref
	for range 10000 {
		if len(held) > 0 && rng.IntN(2) == 0 {
			i := rng.IntN(len(held))
			tbl.Release(held[i])
			held[i] = held[len(held)-1]
			held = held[:len(held)-1]
		} else if ref, ok := tbl.Acquire(page, rng.IntN(2) == 0); ok {
			held = append(held, ref)
		} else if len(held) != size {
			t.Fatalf("Acquire failed with %d of %d held", len(held), size)
		}

		s := tbl.Stats()
		if int(s.Acquired-s.Released) != s.InUse || s.InUse != len(held) {
			t.Fatalf("stats %+v do not match %d held refs", s, len(held))
		}
	}

	for _, ref := range held {
		tbl.Release(ref)
	}
	s := tbl.Stats()
	if diff := cmp.Diff(Stats{Acquired: s.Acquired, Released: s.Acquired, InUse: 0}, s); diff != "" {
		t.Fatalf("stats after release (-want +got):\n%s", diff)
	}
	if tbl.Free() != size {
		t.Fatalf("Free() = %d, want %d", tbl.Free(), size)
	}
}
