// Package grant implements a table of grant references: capability tokens
// that authorize the backend to map one specific page, read-only or
// read-write, until the frontend ends access.
//
// The table is sized once. Acquire fails softly when it is exhausted; callers
// treat that as backpressure. Release of a reference that is not active is an
// ownership bug in the caller and panics.
package grant

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/sync"

	"github.com/romshark/netfront-go/pagemem"
)

var (
	ErrBadRef   = errors.New("grant reference not active")
	ErrReadOnly = errors.New("grant is read-only")
)

// Ref is an opaque grant reference.
type Ref uint32

// InvalidRef never names an active grant.
const InvalidRef Ref = ^Ref(0)

// DefaultCount is the table size used when none is configured.
const DefaultCount = 2048

// Stats is a snapshot of table counters.
// Acquired-Released always equals InUse.
type Stats struct {
	Acquired uint64
	Released uint64
	InUse    int
}

type entry struct {
	page     []byte
	writable bool
	active   bool
}

// Table is safe for concurrent use.
type Table struct {
	mu       sync.Mutex
	entries  []entry
	free     []Ref
	acquired uint64
	released uint64
}

// NewTable creates a table with count references.
func NewTable(count int) *Table {
	if count <= 0 {
		count = DefaultCount
	}
	t := &Table{
		entries: make([]entry, count),
		free:    make([]Ref, count),
	}
	// Lowest refs come off the stack first.
	for i := range count {
		t.free[i] = Ref(count - 1 - i)
	}
	return t
}

// Acquire grants access to page. It returns false when no reference is free.
func (t *Table) Acquire(page []byte, writable bool) (Ref, bool) {
	if len(page) > pagemem.PageSize {
		panic(fmt.Sprintf("grant: %d byte region exceeds a page", len(page)))
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.free)
	if n == 0 {
		return InvalidRef, false
	}
	ref := t.free[n-1]
	t.free = t.free[:n-1]
	t.entries[ref] = entry{page: page, writable: writable, active: true}
	t.acquired++
	return ref, true
}

// Release ends access through ref and returns it to the table.
func (t *Table) Release(ref Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(ref) >= len(t.entries) || !t.entries[ref].active {
		panic(fmt.Sprintf("grant: release of inactive ref %d", ref))
	}
	t.entries[ref] = entry{}
	t.free = append(t.free, ref)
	t.released++
}

// Map returns the page behind ref as seen by the backend.
func (t *Table) Map(ref Ref, write bool) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(ref) >= len(t.entries) || !t.entries[ref].active {
		return nil, fmt.Errorf("mapping ref %d: %w", ref, ErrBadRef)
	}
	e := t.entries[ref]
	if write && !e.writable {
		return nil, fmt.Errorf("mapping ref %d for write: %w", ref, ErrReadOnly)
	}
	return e.page, nil
}

// Active reports whether ref is currently granted.
func (t *Table) Active(ref Ref) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(ref) < len(t.entries) && t.entries[ref].active
}

// Free returns the number of references available.
func (t *Table) Free() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.free)
}

// Len returns the table size.
func (t *Table) Len() int { return len(t.entries) }

func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Acquired: t.acquired,
		Released: t.released,
		InUse:    len(t.entries) - len(t.free),
	}
}
