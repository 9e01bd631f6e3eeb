package netfront

import (
	"gvisor.dev/gvisor/pkg/log"

	"github.com/romshark/netfront-go/grant"
	"github.com/romshark/netfront-go/pagemem"
	"github.com/romshark/netfront-go/ring"
)

type rxState struct {
	ring *ring.Front
	// posted holds the buffer granted for each ring position. The request
	// id is the position, since extra-info responses carry no id.
	posted []*Buffer
	target uint32
	// stopped suppresses draining and refill while suspended.
	stopped bool

	// A chain cut by the drain budget, resumed by the next pass.
	partialHead  *Buffer
	partialTail  *Buffer
	partialMore  bool
	partialExtra bool
	partialBad   bool
	partialBytes int
}

// rxDrain consumes receive responses within the drain budget, refills the
// ring and delivers complete packets. It returns true when the budget ran
// out and another pass is due.
func (d *Device) rxDrain() (rerun bool) {
	d.rxMu.Lock()
	rx := &d.rx
	if rx.ring == nil || rx.stopped || d.state.Load() != StateActive {
		d.rxMu.Unlock()
		return false
	}
	head, tail := rx.partialHead, rx.partialTail
	more, extra, bad := rx.partialMore, rx.partialExtra, rx.partialBad
	pending := rx.partialBytes

	var lastComplete *Buffer
	// dropCurrent frees the packet under construction.
	dropCurrent := func() {
		var start *Buffer
		if lastComplete != nil {
			start, lastComplete.next, tail = lastComplete.next, nil, lastComplete
		} else {
			start, head, tail = head, nil, nil
		}
		for b := start; b != nil; {
			next := b.next
			b.next = nil
			d.rxBufs.unref(b)
			b = next
		}
		pending, bad = 0, false
	}

	packets, bytes := 0, 0
	budget := false
	for !budget {
		for idx, rsp := range rx.ring.Responses() {
			pos := idx & rx.ring.Mask()
			b := rx.posted[pos]
			if b == nil {
				d.stats.rxErrors.Add(1)
				d.violations.Warningf("netfront: rx response at empty position %d", pos)
				continue
			}
			rx.posted[pos] = nil
			d.grants.Release(b.gref)
			b.gref = grant.InvalidRef
			b.rsp = rsp

			if !extra {
				if st := rsp.Status(); st <= 0 || int(rsp.Offset)+int(st) > pagemem.PageSize {
					d.stats.rxErrors.Add(1)
					d.violations.Warningf("netfront: bad rx response status %d offset %d",
						st, rsp.Offset)
					d.rxBufs.unref(b)
					bad = true
					more, extra = rsp.Has(ring.FlagMoreData), rsp.Has(ring.FlagExtraInfo)
					if !more && !extra {
						dropCurrent()
					}
					continue
				}
			}

			if tail == nil {
				head = b
			} else {
				tail.next = b
			}
			tail = b
			if extra {
				extra = rsp.Extra().Flags&ring.ExtraFlagMore != 0
			} else {
				more, extra = rsp.Has(ring.FlagMoreData), rsp.Has(ring.FlagExtraInfo)
				pending += int(rsp.Status())
			}
			if more || extra {
				continue
			}
			if bad {
				dropCurrent()
				continue
			}
			lastComplete = b
			packets++
			bytes += pending
			pending = 0
			if packets >= d.conf.RxMaxPacketsPerDrain || bytes >= d.conf.RxMaxBytesPerDrain {
				budget = true
				break
			}
		}
		d.fillRingLocked()
		if budget || !rx.ring.FinalCheckForResponses() {
			break
		}
	}

	var complete *Buffer
	if lastComplete != nil {
		complete, rx.partialHead = head, lastComplete.next
		lastComplete.next = nil
	} else {
		rx.partialHead = head
	}
	if rx.partialHead != nil {
		rx.partialTail = tail
	} else {
		rx.partialTail = nil
	}
	rx.partialMore, rx.partialExtra, rx.partialBad = more, extra, bad
	rx.partialBytes = pending
	d.rxMu.Unlock()

	if log.IsLogging(log.Debug) && (packets > 0 || budget) {
		log.Debugf("netfront: rx pass: %d packets, %d bytes, budget hit %t",
			packets, bytes, budget)
	}
	d.deliver(d.makePackets(complete))
	return budget
}

// fillRingLocked posts fresh writable buffers once at least a quarter of
// the target is missing.
func (d *Device) fillRingLocked() {
	rx := &d.rx
	if rx.ring == nil || rx.stopped {
		return
	}
	req := rx.ring.ReqProdPvt()
	inFlight := req - rx.ring.RspCons()
	if inFlight >= rx.target {
		return
	}
	batch := rx.target - inFlight
	if batch < rx.target>>2 {
		return
	}
	n := uint32(0)
	for ; n < batch; n++ {
		pos := (req + n) & rx.ring.Mask()
		b := d.rxBufs.get()
		if b == nil {
			break
		}
		ref, ok := d.grants.Acquire(b.data, true)
		if !ok {
			d.rxBufs.unref(b)
			break
		}
		b.gref = ref
		rx.posted[pos] = b
		rx.ring.PutRequest(ring.Slot{Gref: uint32(ref), ID: uint16(pos)})
	}
	if n > 0 && rx.ring.PushAndCheckNotify() {
		d.notify()
	}
}

// makePackets turns a chain of complete responses into host packets.
func (d *Device) makePackets(head *Buffer) []*RxPacket {
	var (
		out              []*RxPacket
		cur              []*Buffer
		mss              int
		blank, validated bool
		more, extra      bool
	)
	for b := head; b != nil; {
		next := b.next
		b.next = nil
		if extra {
			e := b.rsp.Extra()
			if e.Type == ring.ExtraTypeGSO && e.GSOType == ring.GSOTypeTCPv4 {
				mss = int(e.GSOSize)
			} else {
				d.violations.Warningf("netfront: ignoring extra info type %d gso %d",
					e.Type, e.GSOType)
			}
			extra = e.Flags&ring.ExtraFlagMore != 0
			d.rxBufs.unref(b)
		} else {
			if len(cur) == 0 {
				blank = b.rsp.Has(ring.FlagChecksumBlank)
				validated = b.rsp.Has(ring.FlagDataValidated)
			}
			cur = append(cur, b)
			more, extra = b.rsp.Has(ring.FlagMoreData), b.rsp.Has(ring.FlagExtraInfo)
		}
		if !more && !extra && len(cur) > 0 {
			out = d.makePacket(out, cur, mss, blank, validated)
			cur, mss = nil, 0
		}
		b = next
	}
	return out
}

func (d *Device) makePacket(
	out []*RxPacket, bufs []*Buffer, mss int, blank, validated bool,
) []*RxPacket {
	views := make([][]byte, len(bufs))
	total := 0
	for i, b := range bufs {
		off, n := int(b.rsp.Offset), int(b.rsp.Status())
		views[i] = b.data[off : off+n]
		total += n
	}
	var scratch [MaxPacketHeaderLength]byte
	var pi packetInfo
	pi.parse(gatherHeader(scratch[:min(total, MaxPacketHeaderLength)], views), total)
	pi.mss, pi.csumBlank, pi.dataValidated = mss, blank, validated

	hints := ChecksumHints{Blank: blank}
	if (blank || validated) && pi.result == parseOK {
		hints.IPValid, hints.L4Valid = true, true
	}
	if pi.broadcast {
		d.stats.rxBroadcast.Add(1)
	} else if pi.multicast {
		d.stats.rxMulticast.Add(1)
	}

	if pi.isTCP() && mss > 0 && pi.tcpLength > mss {
		splitMSS := mss
		switch d.conf.RxSplit {
		case SplitHalf:
			splitMSS = max((pi.tcpLength+1)/2, mss)
		case SplitNone:
			splitMSS = 0xffff
		}
		pi.splitRequired = pi.tcpLength > splitMSS
		if pi.splitRequired {
			return d.split(out, &pi, bufs, views, splitMSS, hints)
		}
	}

	if len(bufs) > 1 && d.conf.RxCoalesce && total <= pagemem.PageSize {
		if cb := d.rxBufs.get(); cb != nil {
			n := 0
			for _, v := range views {
				n += copy(cb.data[n:], v)
			}
			for _, b := range bufs {
				d.rxBufs.unref(b)
			}
			bufs, views = []*Buffer{cb}, [][]byte{cb.data[:n]}
		}
	}
	if blank && d.conf.RxFixChecksum && pi.result == parseOK && len(views[0]) >= pi.headerLength {
		fillL4Checksum(&pi, views[0], viewRange(views, pi.headerLength, pi.tcpLength), pi.tcpLength)
		hints.Blank = false
	}
	p := &RxPacket{
		Chain:     views,
		Hints:     hints,
		Broadcast: pi.broadcast,
		Multicast: pi.multicast,
		bufs:      bufs,
	}
	if mss > 0 && pi.isTCP() && pi.tcpLength > mss {
		p.GSOSize = uint16(mss)
	}
	return append(out, p)
}

func (d *Device) deliver(pkts []*RxPacket) {
	for _, p := range pkts {
		d.stats.rxPackets.Add(1)
		d.stats.rxBytes.Add(uint64(p.Len()))
		if d.onReceive == nil {
			p.Release()
			continue
		}
		d.onReceive(p)
	}
}

// purgeRx ends the grants of posted buffers and frees the parked chain.
func (d *Device) purgeRx() {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	rx := &d.rx
	for i, b := range rx.posted {
		if b == nil {
			continue
		}
		d.grants.Release(b.gref)
		b.gref = grant.InvalidRef
		d.rxBufs.unref(b)
		rx.posted[i] = nil
	}
	for b := rx.partialHead; b != nil; {
		next := b.next
		b.next = nil
		d.rxBufs.unref(b)
		b = next
	}
	rx.partialHead, rx.partialTail = nil, nil
	rx.partialMore, rx.partialExtra, rx.partialBad = false, false, false
	rx.partialBytes = 0
}

func (d *Device) setRxStopped(stopped bool) {
	d.rxMu.Lock()
	d.rx.stopped = stopped
	d.rxMu.Unlock()
}

// fillRing refills the receive ring outside a drain pass.
func (d *Device) fillRing() {
	d.rxMu.Lock()
	d.fillRingLocked()
	d.rxMu.Unlock()
}

// rxPosted returns the number of buffers currently granted to the backend.
func (d *Device) rxPosted() int {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	n := 0
	for _, b := range d.rx.posted {
		if b != nil {
			n++
		}
	}
	return n
}
