package ring

import (
	"iter"
	"sync/atomic"
)

// Front is the frontend's view of a ring: it produces requests and consumes
// responses. Front is not safe for concurrent use; callers serialize on a
// per-ring lock.
type Front struct {
	hdr   *sharedHeader
	slots []Slot
	mask  uint32
	size  uint32

	reqProdPvt uint32
	rspCons    uint32
}

// NewFront initializes page as an empty ring and returns its frontend view.
func NewFront(page []byte) (*Front, error) {
	hdr, slots, err := mapPage(page)
	if err != nil {
		return nil, err
	}
	f := &Front{
		hdr:   hdr,
		slots: slots,
		size:  uint32(len(slots)),
		mask:  uint32(len(slots)) - 1,
	}
	f.Reset()
	return f, nil
}

// Reset reinitializes the shared and private indices. The backend must not
// be attached while the ring is reset.
func (f *Front) Reset() {
	atomic.StoreUint32(&f.hdr.reqProd, 0)
	atomic.StoreUint32(&f.hdr.rspProd, 0)
	atomic.StoreUint32(&f.hdr.reqEvent, 1)
	atomic.StoreUint32(&f.hdr.rspEvent, 1)
	clear(f.slots)
	f.reqProdPvt = 0
	f.rspCons = 0
}

// Size returns the slot count.
func (f *Front) Size() uint32 { return f.size }

// InFlight returns the number of requests produced but not yet answered and
// consumed.
func (f *Front) InFlight() uint32 { return f.reqProdPvt - f.rspCons }

// Free returns the number of slots a new request may use.
func (f *Front) Free() uint32 { return f.size - f.InFlight() }

// Full reports whether PutRequest would fail.
func (f *Front) Full() bool { return f.Free() == 0 }

// ReqProdPvt returns the private request producer index.
func (f *Front) ReqProdPvt() uint32 { return f.reqProdPvt }

// RspCons returns the response consumer index.
func (f *Front) RspCons() uint32 { return f.rspCons }

// PutRequest writes s at req_prod_pvt. It is not visible to the backend until
// PushAndCheckNotify. It returns false when the ring is full.
func (f *Front) PutRequest(s Slot) bool {
	if f.Full() {
		return false
	}
	f.slots[f.reqProdPvt&f.mask] = s
	f.reqProdPvt++
	return true
}

// PushAndCheckNotify publishes pending requests and reports whether the
// backend asked to be notified for any of them.
func (f *Front) PushAndCheckNotify() bool {
	old := atomic.LoadUint32(&f.hdr.reqProd)
	prod := f.reqProdPvt
	atomic.StoreUint32(&f.hdr.reqProd, prod)
	event := atomic.LoadUint32(&f.hdr.reqEvent)
	return prod-event < prod-old
}

// Responses yields the ring index and value of each response from rsp_cons
// up to a snapshot of rsp_prod. rsp_cons advances as each response is
// yielded; stopping early leaves the rest unconsumed.
func (f *Front) Responses() iter.Seq2[uint32, Slot] {
	return func(yield func(uint32, Slot) bool) {
		prod := atomic.LoadUint32(&f.hdr.rspProd)
		for f.rspCons != prod {
			idx := f.rspCons
			s := f.slots[idx&f.mask]
			f.rspCons++
			if !yield(idx, s) {
				return
			}
		}
	}
}

// Mask returns size-1, mapping a ring index to a slot position.
func (f *Front) Mask() uint32 { return f.mask }

// HasUnconsumedResponses reports whether the backend produced responses past
// rsp_cons.
func (f *Front) HasUnconsumedResponses() bool {
	return atomic.LoadUint32(&f.hdr.rspProd) != f.rspCons
}

// SetEventWatermark asks the backend to notify once rsp_prod passes idx.
func (f *Front) SetEventWatermark(idx uint32) {
	atomic.StoreUint32(&f.hdr.rspEvent, idx)
}

// FinalCheckForResponses arms the watermark at rsp_cons+1 and re-checks for
// responses that raced with it. A true result means the caller must drain
// again instead of waiting for a notification.
func (f *Front) FinalCheckForResponses() bool {
	if f.HasUnconsumedResponses() {
		return true
	}
	f.SetEventWatermark(f.rspCons + 1)
	return f.HasUnconsumedResponses()
}

func (f *Front) Cursors() Cursors {
	return Cursors{
		ReqProdPvt: f.reqProdPvt,
		ReqProd:    atomic.LoadUint32(&f.hdr.reqProd),
		ReqEvent:   atomic.LoadUint32(&f.hdr.reqEvent),
		RspProd:    atomic.LoadUint32(&f.hdr.rspProd),
		RspCons:    f.rspCons,
		RspEvent:   atomic.LoadUint32(&f.hdr.rspEvent),
	}
}
