package netfront

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"

	"github.com/romshark/netfront-go/grant"
	"github.com/romshark/netfront-go/pagemem"
	"github.com/romshark/netfront-go/ring"
)

// Buffer is a pool-owned region exposed to the backend or handed to the host.
type Buffer struct {
	pool *bufferPool
	id   int
	data []byte
	gref grant.Ref
	refs int32

	// next links receive chains.
	next *Buffer
	// rsp is the response that retired the buffer from the receive ring.
	rsp ring.Slot
}

// Bytes returns the whole backing region.
func (b *Buffer) Bytes() []byte { return b.data }

// PoolStats is a snapshot of a pool.
type PoolStats struct {
	Allocated int
	Free      int
}

// bufferPool recycles buffers of one size. Page sized pools grow by mapping
// an arena chunk; header pools grow from the heap.
type bufferPool struct {
	mu        sync.Mutex
	name      string
	size      int
	chunk     int
	max       int
	paged     bool
	buffers   []*Buffer
	free      []*Buffer
	arenas    []*pagemem.Arena
	shutdown  bool
	closing   bool
	closeErrs error
}

// newPagePool creates a pool of page buffers growing by chunkPages pages.
// maxPages of 0 leaves it unbounded.
func newPagePool(name string, chunkPages, maxPages int) *bufferPool {
	return &bufferPool{
		name:  name,
		size:  pagemem.PageSize,
		chunk: chunkPages,
		max:   maxPages,
		paged: true,
	}
}

// newHeaderPool creates a pool of small heap buffers.
func newHeaderPool(name string, size, chunk, max int) *bufferPool {
	return &bufferPool{name: name, size: size, chunk: chunk, max: max}
}

// get returns a buffer with one reference, or nil when the pool is exhausted
// or shutting down.
func (p *bufferPool) get() *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		if p.shutdown {
			return nil
		}
		if err := p.growLocked(); err != nil {
			if log.IsLogging(log.Debug) {
				log.Debugf("pool %s: %v", p.name, err)
			}
			return nil
		}
	}
	n := len(p.free)
	b := p.free[n-1]
	p.free = p.free[:n-1]
	b.refs = 1
	b.gref = grant.InvalidRef
	b.next = nil
	b.rsp = ring.Slot{}
	return b
}

var errPoolLimit = errors.New("pool limit reached")

func (p *bufferPool) growLocked() error {
	n := p.chunk
	if p.max > 0 {
		n = min(n, p.max-len(p.buffers))
		if n <= 0 {
			return errPoolLimit
		}
	}
	var a *pagemem.Arena
	if p.paged {
		var err error
		if a, err = pagemem.New(n); err != nil {
			return fmt.Errorf("growing by %d pages: %w", n, err)
		}
		p.arenas = append(p.arenas, a)
	}
	for i := range n {
		b := &Buffer{pool: p, id: len(p.buffers), gref: grant.InvalidRef}
		if a != nil {
			b.data = a.Page(i)
		} else {
			b.data = make([]byte, p.size)
		}
		p.buffers = append(p.buffers, b)
		p.free = append(p.free, b)
	}
	return nil
}

func (p *bufferPool) ref(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.refs <= 0 {
		panic(fmt.Sprintf("pool %s: ref of free buffer %d", p.name, b.id))
	}
	b.refs++
}

// unref drops a reference. At zero the buffer must no longer be granted and
// returns to the free stack.
func (p *bufferPool) unref(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b.refs--
	switch {
	case b.refs > 0:
		return
	case b.refs < 0:
		panic(fmt.Sprintf("pool %s: buffer %d released twice", p.name, b.id))
	}
	if b.gref != grant.InvalidRef {
		panic(fmt.Sprintf("pool %s: buffer %d freed while granted", p.name, b.id))
	}
	b.next = nil
	p.free = append(p.free, b)
	if p.closing && len(p.free) == len(p.buffers) {
		p.releaseLocked()
	}
}

// stopGrowing makes get fail once the free stack is empty.
func (p *bufferPool) stopGrowing() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
}

// close unmaps the pool memory. Buffers still held by the host keep their
// memory until the last one is returned.
func (p *bufferPool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.shutdown = true
	p.closing = true
	if len(p.free) != len(p.buffers) {
		log.Infof("pool %s: %d buffers still held, deferring unmap",
			p.name, len(p.buffers)-len(p.free))
		return nil
	}
	p.releaseLocked()
	return p.closeErrs
}

func (p *bufferPool) releaseLocked() {
	var errs []error
	for _, a := range p.arenas {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pool %s: %w", p.name, err))
		}
	}
	p.arenas = nil
	p.buffers = nil
	p.free = nil
	p.closeErrs = errors.Join(errs...)
	if p.closeErrs != nil {
		log.Warningf("%v", p.closeErrs)
	}
}

func (p *bufferPool) stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Allocated: len(p.buffers), Free: len(p.free)}
}
