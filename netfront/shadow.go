package netfront

import "fmt"

// shadowTable maps ring request ids to per-slot frontend state. Free ids
// are kept on a stack. It is guarded by the owning path's lock.
type shadowTable[T any] struct {
	entries []T
	used    []bool
	free    []uint16
}

func newShadowTable[T any](n int) *shadowTable[T] {
	t := &shadowTable[T]{
		entries: make([]T, n),
		used:    make([]bool, n),
		free:    make([]uint16, n),
	}
	for i := range n {
		t.free[i] = uint16(n - 1 - i)
	}
	return t
}

// take pops a free id.
func (t *shadowTable[T]) take() (uint16, bool) {
	n := len(t.free)
	if n == 0 {
		return 0, false
	}
	id := t.free[n-1]
	t.free = t.free[:n-1]
	t.used[id] = true
	return id, true
}

// put clears the entry and returns id to the stack.
func (t *shadowTable[T]) put(id uint16) {
	if int(id) >= len(t.used) || !t.used[id] {
		panic(fmt.Sprintf("netfront: put of free shadow id %d", id))
	}
	var zero T
	t.entries[id] = zero
	t.used[id] = false
	t.free = append(t.free, id)
}

func (t *shadowTable[T]) get(id uint16) *T { return &t.entries[id] }

// inUse reports whether id names a taken entry. Unknown ids are not in use.
func (t *shadowTable[T]) inUse(id uint16) bool {
	return int(id) < len(t.used) && t.used[id]
}

func (t *shadowTable[T]) available() int { return len(t.free) }

func (t *shadowTable[T]) size() int { return len(t.entries) }

// each calls fn for every taken entry.
func (t *shadowTable[T]) each(fn func(id uint16, e *T)) {
	for id, u := range t.used {
		if u {
			fn(uint16(id), &t.entries[id])
		}
	}
}
