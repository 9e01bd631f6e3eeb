// Package pagemem provides page-granular memory arenas backing shared rings
// and buffer pools.
package pagemem

import (
	"errors"
	"fmt"
)

// PageSize is the size of one shareable page.
const PageSize = 4096

var (
	ErrZeroPages = errors.New("arena must hold at least one page")
	ErrClosed    = errors.New("arena closed")
)

// Arena is a contiguous, page-aligned region split into PageSize pages.
type Arena struct {
	mem   []byte
	pages int
}

// New maps an anonymous region of pages*PageSize bytes.
func New(pages int) (*Arena, error) {
	if pages <= 0 {
		return nil, ErrZeroPages
	}
	mem, err := mapAnonymous(pages * PageSize)
	if err != nil {
		return nil, fmt.Errorf("mapping %d pages: %w", pages, err)
	}
	return &Arena{mem: mem, pages: pages}, nil
}

// Len returns the number of pages in the arena.
func (a *Arena) Len() int { return a.pages }

// Page returns page i as a PageSize slice with capacity clamped to the page.
func (a *Arena) Page(i int) []byte {
	if i < 0 || i >= a.pages {
		panic(fmt.Sprintf("pagemem: page %d out of range [0,%d)", i, a.pages))
	}
	off := i * PageSize
	return a.mem[off : off+PageSize : off+PageSize]
}

// Close releases the mapping. Pages must not be used afterwards.
func (a *Arena) Close() error {
	if a.mem == nil {
		return ErrClosed
	}
	err := unmap(a.mem)
	a.mem = nil
	return err
}
