package netfront

import (
	"context"
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/netfront-go/grant"
	"github.com/romshark/netfront-go/pagemem"
	"github.com/romshark/netfront-go/ring"
)

type txShadow struct {
	gref grant.Ref
	buf  *Buffer
	// pkt is set on the last slot of a packet only.
	pkt *Packet
}

type txState struct {
	ring    *ring.Front
	shadows *shadowTable[txShadow]
	paused  bool
	// outstanding counts packets on the ring.
	outstanding int

	scratch []byte
	chunks  [][]byte
	pending []ring.Slot
}

type txCompletion struct {
	pkt *Packet
	err error
}

// Send queues p for transmission. It returns false, leaving no trace, when
// the device is not active, transmit is paused, or ring slots, grants or
// buffers are short; the caller should retry later. Accepted packets are
// reported exactly once through OnSendComplete.
func (d *Device) Send(p *Packet) bool {
	d.txMu.Lock()
	ok, err := d.sendLocked(p)
	d.txMu.Unlock()

	if err != nil {
		d.stats.txDropped.Add(1)
		d.violations.Warningf("netfront: dropping %d byte packet: %v", p.Len(), err)
		d.complete(p, err)
		return true
	}
	if !ok {
		d.stats.txBusy.Add(1)
	}
	return ok
}

// sendLocked returns an error for packets that can never be sent.
func (d *Device) sendLocked(p *Packet) (bool, error) {
	tx := &d.tx
	if d.state.Load() != StateActive || tx.paused || tx.ring == nil {
		return false, nil
	}
	total := p.Len()
	if total == 0 {
		return false, nil
	}
	feat := d.features.Load()
	if total > 0xffff {
		return false, fmt.Errorf("%w: %d byte frame", ErrUnsupported, total)
	}
	if !feat.ScatterGather && total > pagemem.PageSize {
		return false, fmt.Errorf("%w: %d byte frame without scatter-gather",
			ErrUnsupported, total)
	}

	// The first page of the frame is copied into the header buffer.
	hdrLen := min(total, pagemem.PageSize)
	h := gatherHeader(tx.scratch[:hdrLen], p.Frags)
	var pi packetInfo
	pi.parse(h, total)

	lso := p.Offload.MSS > 0 && pi.isTCP() && feat.GSOMaxSize > 0
	if p.Offload.MSS > 0 && !lso && total-ethHeaderLength > int(feat.MTU) {
		return false, fmt.Errorf("%w: segmentation of %d byte frame (%v)",
			ErrUnsupported, total, pi.result)
	}
	gsoSlot := lso && pi.tcpLength >= int(p.Offload.MSS)

	tx.chunks = appendChunks(tx.chunks[:0], p.Frags, hdrLen)
	direct, tailBytes := len(tx.chunks), 0
	maxSlots := int(d.conf.MaxSlotsPerPacket)
	if 1+len(tx.chunks) > maxSlots {
		var ok bool
		if direct, tailBytes, ok = coalescePlan(tx.chunks, maxSlots); !ok {
			return false, fmt.Errorf("%w: %d byte frame exceeds %d slots",
				ErrUnsupported, total, maxSlots)
		}
	}
	tailPages := (tailBytes + pagemem.PageSize - 1) / pagemem.PageSize
	need := 1 + direct + tailPages
	if gsoSlot {
		need++
	}
	if int(tx.ring.Free()) < need || tx.shadows.available() < need {
		return false, nil
	}

	hb := d.txBufs.get()
	if hb == nil {
		return false, nil
	}
	tx.pending = tx.pending[:0]
	success := false
	defer func() {
		if !success {
			d.rollbackTxLocked()
		}
	}()

	frame := hb.data[:copy(hb.data, h)]
	flags := d.rewriteHeader(frame, &pi, p, lso, gsoSlot, feat)
	if !d.addTxSlot(ring.Slot{Flags: flags, Size: uint16(total)}, hb.data, hb) {
		d.txBufs.unref(hb)
		return false, nil
	}
	if gsoSlot {
		extra := ring.ExtraInfo{
			Type:    ring.ExtraTypeGSO,
			GSOType: ring.GSOTypeTCPv4,
			GSOSize: p.Offload.MSS,
		}
		if !d.addTxSlot(extra.Slot(), nil, nil) {
			return false, nil
		}
	}
	for _, c := range tx.chunks[:direct] {
		if !d.addTxSlot(ring.Slot{Flags: ring.FlagMoreData, Size: uint16(len(c))}, c, nil) {
			return false, nil
		}
	}
	tail := tx.chunks[direct:]
	for len(tail) > 0 {
		cb := d.txBufs.get()
		if cb == nil {
			return false, nil
		}
		n := fill(cb.data, &tail)
		if !d.addTxSlot(ring.Slot{Flags: ring.FlagMoreData, Size: uint16(n)}, cb.data, cb) {
			d.txBufs.unref(cb)
			return false, nil
		}
	}

	last := len(tx.pending) - 1
	if direct+tailPages > 0 {
		tx.pending[0].Flags |= ring.FlagMoreData
		tx.pending[last].Flags &^= ring.FlagMoreData
	}
	tx.shadows.get(tx.pending[last].ID).pkt = p
	for _, s := range tx.pending {
		tx.ring.PutRequest(s)
	}
	success = true
	tx.pending = tx.pending[:0]
	tx.outstanding++

	d.stats.txPackets.Add(1)
	d.stats.txBytes.Add(uint64(total))
	if tailPages > 0 {
		d.stats.txCoalesced.Add(1)
	}
	if gsoSlot {
		d.stats.txGSO.Add(1)
	}
	if tx.ring.PushAndCheckNotify() {
		d.notify()
	}
	return true, nil
}

// addTxSlot takes a shadow id and, when page is set, a read-only grant for
// it. buf is owned by the shadow entry once addTxSlot returns true.
func (d *Device) addTxSlot(s ring.Slot, page []byte, buf *Buffer) bool {
	tx := &d.tx
	id, ok := tx.shadows.take()
	if !ok {
		return false
	}
	sh := txShadow{gref: grant.InvalidRef, buf: buf}
	if page != nil {
		ref, ok := d.grants.Acquire(page, false)
		if !ok {
			tx.shadows.put(id)
			return false
		}
		sh.gref = ref
		s.Gref = uint32(ref)
	}
	s.ID = id
	*tx.shadows.get(id) = sh
	tx.pending = append(tx.pending, s)
	return true
}

func (d *Device) rollbackTxLocked() {
	tx := &d.tx
	for _, s := range tx.pending {
		sh := tx.shadows.get(s.ID)
		if sh.gref != grant.InvalidRef {
			d.grants.Release(sh.gref)
		}
		if sh.buf != nil {
			d.txBufs.unref(sh.buf)
		}
		tx.shadows.put(s.ID)
	}
	tx.pending = tx.pending[:0]
}

// rewriteHeader applies offload requests to the copied headers in frame and
// returns the header slot flags.
func (d *Device) rewriteHeader(
	frame []byte, pi *packetInfo, p *Packet, lso, gsoSlot bool, feat *Features,
) (flags uint16) {
	if pi.result != parseOK {
		return 0
	}
	ipSum := p.Offload.IPHeaderChecksum
	if pi.ipLengthZero {
		header.IPv4(frame[ethHeaderLength:]).SetTotalLength(uint16(pi.ipTotalLength))
		ipSum = true
	}
	switch {
	case lso:
		flags |= ring.FlagChecksumBlank | ring.FlagDataValidated
		lsoPseudoAdjust(frame, pi)
		ipSum = true
	case p.Offload.Checksum && feat.ChecksumOffload:
		flags |= ring.FlagChecksumBlank | ring.FlagDataValidated
	case p.Offload.Checksum:
		chain := append([][]byte{frame}, d.tx.chunks...)
		fillL4Checksum(pi, frame, viewRange(chain, pi.headerLength, pi.tcpLength), pi.tcpLength)
	}
	if gsoSlot {
		flags |= ring.FlagExtraInfo
	}
	if ipSum {
		sumIPHeader(frame)
	}
	return flags
}

// appendChunks appends page bounded pieces of frags past skip bytes.
func appendChunks(dst, frags [][]byte, skip int) [][]byte {
	for _, f := range frags {
		if skip >= len(f) {
			skip -= len(f)
			continue
		}
		f = f[skip:]
		skip = 0
		for len(f) > 0 {
			n := min(len(f), pagemem.PageSize)
			dst = append(dst, f[:n:n])
			f = f[n:]
		}
	}
	return dst
}

// coalescePlan returns the longest prefix of chunks that can stay direct
// when the remaining bytes are copied into pages, so that the header, the
// prefix and the copied pages fit max slots.
func coalescePlan(chunks [][]byte, max int) (direct, tailBytes int, ok bool) {
	for k := len(chunks) - 1; k >= 0; k-- {
		tailBytes += len(chunks[k])
		pages := (tailBytes + pagemem.PageSize - 1) / pagemem.PageSize
		if 1+k+pages <= max {
			return k, tailBytes, true
		}
	}
	return 0, 0, false
}

// fill copies from chunks into dst and advances chunks past the copied data.
func fill(dst []byte, chunks *[][]byte) int {
	n := 0
	for n < len(dst) && len(*chunks) > 0 {
		c := (*chunks)[0]
		m := copy(dst[n:], c)
		n += m
		if m == len(c) {
			*chunks = (*chunks)[1:]
		} else {
			(*chunks)[0] = c[m:]
		}
	}
	return n
}

// txReclaim retires transmit responses. With dontSetEvent the watermark is
// left alone since the deferred task is about to run again.
func (d *Device) txReclaim(dontSetEvent bool) {
	var done []txCompletion
	d.txMu.Lock()
	tx := &d.tx
	if tx.ring == nil {
		d.txMu.Unlock()
		return
	}
	for {
		for _, rsp := range tx.ring.Responses() {
			if !tx.shadows.inUse(rsp.ID) {
				d.stats.txErrors.Add(1)
				d.violations.Warningf("netfront: tx response for free id %d", rsp.ID)
				continue
			}
			sh := *tx.shadows.get(rsp.ID)
			if sh.gref != grant.InvalidRef {
				d.grants.Release(sh.gref)
			}
			if sh.buf != nil {
				d.txBufs.unref(sh.buf)
			}
			tx.shadows.put(rsp.ID)
			if sh.pkt != nil {
				tx.outstanding--
				done = append(done, txCompletion{sh.pkt, responseError(rsp.Status())})
			}
		}
		if dontSetEvent || !tx.ring.FinalCheckForResponses() {
			break
		}
	}
	idle := tx.ring.InFlight() == 0
	d.txMu.Unlock()

	for _, c := range done {
		d.complete(c.pkt, c.err)
	}
	if idle {
		select {
		case d.txIdle <- struct{}{}:
		default:
		}
	}
}

func responseError(status int16) error {
	switch {
	case status == ring.StatusDropped:
		return ErrBackendDropped
	case status < 0:
		return ErrBackendError
	}
	return nil
}

func (d *Device) complete(p *Packet, err error) {
	if d.onSendComplete != nil {
		d.onSendComplete(p, err)
	}
}

// txDrained reports whether no request is outstanding on the transmit ring.
func (d *Device) txDrained() bool {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	return d.tx.ring == nil || d.tx.ring.InFlight() == 0
}

// waitTxDrained blocks until every transmit slot has been answered.
func (d *Device) waitTxDrained(ctx context.Context) error {
	for !d.txDrained() {
		d.kickDeferred()
		select {
		case <-d.txIdle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Device) setTxPaused(paused bool) {
	d.txMu.Lock()
	d.tx.paused = paused
	d.txMu.Unlock()
}

// purgeTx ends every transmit grant and reports outstanding packets with
// ErrShutdown.
func (d *Device) purgeTx() {
	var done []*Packet
	d.txMu.Lock()
	tx := &d.tx
	if tx.shadows != nil {
		var ids []uint16
		tx.shadows.each(func(id uint16, sh *txShadow) {
			if sh.gref != grant.InvalidRef {
				d.grants.Release(sh.gref)
			}
			if sh.buf != nil {
				d.txBufs.unref(sh.buf)
			}
			if sh.pkt != nil {
				done = append(done, sh.pkt)
			}
			ids = append(ids, id)
		})
		for _, id := range ids {
			tx.shadows.put(id)
		}
	}
	tx.outstanding = 0
	d.txMu.Unlock()

	for _, p := range done {
		d.complete(p, ErrShutdown)
	}
}
