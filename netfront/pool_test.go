package netfront

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustPanic(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("%s did not panic", what)
		}
	}()
	fn()
}

func TestPoolBounded(t *testing.T) {
	p := newHeaderPool("test", 64, 2, 4)
	var held []*Buffer
	for range 4 {
		b := p.get()
		if b == nil {
			t.Fatal("get failed below the limit")
		}
		if len(b.Bytes()) != 64 {
			t.Fatalf("buffer of %d bytes", len(b.Bytes()))
		}
		held = append(held, b)
	}
	if p.get() != nil {
		t.Fatal("get succeeded past the limit")
	}
	if diff := cmp.Diff(PoolStats{Allocated: 4, Free: 0}, p.stats()); diff != "" {
		t.Fatalf("stats (-want +got):\n%s", diff)
	}
	for _, b := range held {
		p.unref(b)
	}
	if diff := cmp.Diff(PoolStats{Allocated: 4, Free: 4}, p.stats()); diff != "" {
		t.Fatalf("stats (-want +got):\n%s", diff)
	}
}

func TestPoolRefcount(t *testing.T) {
	p := newHeaderPool("test", 64, 4, 0)
	b := p.get()
	p.ref(b)
	p.unref(b)
	if p.stats().Free != 3 {
		t.Fatal("buffer freed with a reference left")
	}
	p.unref(b)
	if p.stats().Free != 4 {
		t.Fatal("buffer not freed at zero references")
	}
	mustPanic(t, "second release", func() { p.unref(b) })
}

func TestPoolGrantedFreePanics(t *testing.T) {
	p := newHeaderPool("test", 64, 4, 0)
	b := p.get()
	b.gref = 5
	mustPanic(t, "freeing a granted buffer", func() { p.unref(b) })
}

func TestPoolRefOfFreePanics(t *testing.T) {
	p := newHeaderPool("test", 64, 4, 0)
	b := p.get()
	p.unref(b)
	mustPanic(t, "ref of a free buffer", func() { p.ref(b) })
}

func TestPoolCloseDefersUnmap(t *testing.T) {
	p := newPagePool("test", 2, 0)
	b := p.get()
	if b == nil {
		t.Fatal("get failed")
	}
	b.Bytes()[0] = 1
	if err := p.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if p.get() != nil {
		t.Fatal("get succeeded after close")
	}
	if s := p.stats(); s.Allocated != 2 {
		t.Fatalf("pool released while a buffer is held: %+v", s)
	}
	// Still mapped.
	b.Bytes()[1] = 2
	p.unref(b)
	if diff := cmp.Diff(PoolStats{}, p.stats()); diff != "" {
		t.Fatalf("stats after last release (-want +got):\n%s", diff)
	}
}

func TestPoolStopGrowing(t *testing.T) {
	p := newHeaderPool("test", 64, 1, 0)
	b := p.get()
	p.stopGrowing()
	if p.get() != nil {
		t.Fatal("pool grew after stopGrowing")
	}
	p.unref(b)
	if p.get() == nil {
		t.Fatal("free buffer not reused after stopGrowing")
	}
}

func TestShadowTable(t *testing.T) {
	st := newShadowTable[int](4)
	var ids []uint16
	for range 4 {
		id, ok := st.take()
		if !ok {
			t.Fatal("take failed on a non-full table")
		}
		*st.get(id) = int(id) + 10
		ids = append(ids, id)
	}
	if diff := cmp.Diff([]uint16{0, 1, 2, 3}, ids); diff != "" {
		t.Fatalf("ids (-want +got):\n%s", diff)
	}
	if _, ok := st.take(); ok {
		t.Fatal("take succeeded on a full table")
	}
	st.put(2)
	if st.inUse(2) || *st.get(2) != 0 {
		t.Fatal("put did not clear the entry")
	}
	if st.inUse(100) {
		t.Fatal("out of range id in use")
	}
	n := 0
	st.each(func(uint16, *int) { n++ })
	if n != 3 {
		t.Fatalf("each visited %d entries, want 3", n)
	}
	mustPanic(t, "put of a free id", func() { st.put(2) })
}
