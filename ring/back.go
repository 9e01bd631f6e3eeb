package ring

import (
	"iter"
	"sync/atomic"
)

// Back is the backend's view of a ring: it consumes requests and produces
// responses. Back is not safe for concurrent use.
type Back struct {
	hdr   *sharedHeader
	slots []Slot
	mask  uint32
	size  uint32

	reqCons    uint32
	rspProdPvt uint32
}

// NewBack attaches to a ring page initialized by the frontend.
// Private indices resume from the shared response producer.
func NewBack(page []byte) (*Back, error) {
	hdr, slots, err := mapPage(page)
	if err != nil {
		return nil, err
	}
	prod := atomic.LoadUint32(&hdr.rspProd)
	return &Back{
		hdr:        hdr,
		slots:      slots,
		size:       uint32(len(slots)),
		mask:       uint32(len(slots)) - 1,
		reqCons:    prod,
		rspProdPvt: prod,
	}, nil
}

func (b *Back) Size() uint32 { return b.size }

// UnconsumedRequests returns how many published requests have not been read,
// bounded by the slots a frontend could legally have filled.
func (b *Back) UnconsumedRequests() uint32 {
	avail := atomic.LoadUint32(&b.hdr.reqProd) - b.reqCons
	room := b.size - (b.reqCons - b.rspProdPvt)
	return min(avail, room)
}

func (b *Back) HasUnconsumedRequests() bool { return b.UnconsumedRequests() > 0 }

// Requests yields published requests from req_cons. req_cons advances as
// each request is yielded.
func (b *Back) Requests() iter.Seq[Slot] {
	return func(yield func(Slot) bool) {
		for n := b.UnconsumedRequests(); n > 0; n-- {
			s := b.slots[b.reqCons&b.mask]
			b.reqCons++
			if !yield(s) {
				return
			}
		}
	}
}

// Pending returns the number of consumed requests not yet answered.
func (b *Back) Pending() uint32 { return b.reqCons - b.rspProdPvt }

// PutResponse writes s at rsp_prod_pvt. It returns false if every consumed
// request has already been answered.
func (b *Back) PutResponse(s Slot) bool {
	if b.Pending() == 0 {
		return false
	}
	b.slots[b.rspProdPvt&b.mask] = s
	b.rspProdPvt++
	return true
}

// PushAndCheckNotify publishes pending responses and reports whether the
// frontend asked to be notified.
func (b *Back) PushAndCheckNotify() bool {
	old := atomic.LoadUint32(&b.hdr.rspProd)
	prod := b.rspProdPvt
	atomic.StoreUint32(&b.hdr.rspProd, prod)
	event := atomic.LoadUint32(&b.hdr.rspEvent)
	return prod-event < prod-old
}

// FinalCheckForRequests arms req_event at req_cons+1 and re-checks.
func (b *Back) FinalCheckForRequests() bool {
	if b.HasUnconsumedRequests() {
		return true
	}
	atomic.StoreUint32(&b.hdr.reqEvent, b.reqCons+1)
	return b.HasUnconsumedRequests()
}

// BackCursors is a snapshot of the backend's private and the shared indices.
type BackCursors struct {
	ReqCons    uint32
	ReqProd    uint32
	RspProdPvt uint32
	RspProd    uint32
}

func (b *Back) Cursors() BackCursors {
	return BackCursors{
		ReqCons:    b.reqCons,
		ReqProd:    atomic.LoadUint32(&b.hdr.reqProd),
		RspProdPvt: b.rspProdPvt,
		RspProd:    atomic.LoadUint32(&b.hdr.rspProd),
	}
}
