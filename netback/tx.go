package netback

import (
	"gvisor.dev/gvisor/pkg/log"

	"github.com/romshark/netfront-go/pagemem"
	"github.com/romshark/netfront-go/ring"
)

// serveTx consumes transmit requests. Slots of a packet that is still being
// published are kept until the rest arrives.
func (b *Backend) serveTx(c *conn) {
	for s := range c.tx.Requests() {
		c.txGroup = append(c.txGroup, s)
		if !groupComplete(c.txGroup) {
			continue
		}
		b.txPacket(c, c.txGroup)
		c.txGroup = c.txGroup[:0]
	}
	if c.tx.PushAndCheckNotify() {
		c.evt.Notify()
	}
}

// groupComplete reports whether g holds a whole packet: a header slot, its
// extra-info records and every data slot up to one without more-data.
func groupComplete(g []ring.Slot) bool {
	more, extra := g[0].Has(ring.FlagMoreData), g[0].Has(ring.FlagExtraInfo)
	for _, s := range g[1:] {
		if extra {
			extra = s.Extra().Flags&ring.ExtraFlagMore != 0
			continue
		}
		more = s.Has(ring.FlagMoreData)
	}
	return !more && !extra
}

// txPacket copies one packet out of the granted pages, answers every slot
// and queues the frame for loopback.
func (b *Backend) txPacket(c *conn, g []ring.Slot) {
	hdr := g[0]
	var (
		gsoSize uint16
		data    []ring.Slot
		isExtra = make([]bool, len(g))
	)
	extra := hdr.Has(ring.FlagExtraInfo)
	for i, s := range g[1:] {
		if extra {
			isExtra[i+1] = true
			e := s.Extra()
			if e.Type == ring.ExtraTypeGSO && e.GSOType == ring.GSOTypeTCPv4 {
				gsoSize = e.GSOSize
			}
			extra = e.Flags&ring.ExtraFlagMore != 0
			continue
		}
		data = append(data, s)
	}

	total := int(hdr.Size)
	headLen := total
	for _, s := range data {
		headLen -= int(s.Size)
	}
	status := ring.StatusOkay
	var buf []byte
	if headLen < 0 || headLen > pagemem.PageSize {
		status = ring.StatusError
	} else {
		buf = make([]byte, 0, total)
		var ok bool
		if buf, ok = b.copyFrom(buf, hdr, headLen); ok {
			for _, s := range data {
				if buf, ok = b.copyFrom(buf, s, int(s.Size)); !ok {
					break
				}
			}
		}
		if !ok {
			status = ring.StatusError
		}
	}

	for i, s := range g {
		rsp := ring.Slot{ID: s.ID}
		if isExtra[i] {
			rsp.SetStatus(ring.StatusNull)
		} else {
			rsp.SetStatus(status)
		}
		c.tx.PutResponse(rsp)
	}
	if status != ring.StatusOkay {
		b.stats.txErrors.Add(1)
		log.Warningf("netback %s: bad %d byte tx packet over %d slots",
			b.conf.BackendDir, total, len(g))
		return
	}
	b.stats.txPackets.Add(1)
	b.stats.txBytes.Add(uint64(total))
	b.loop(c, buf, hdr.Flags&(ring.FlagChecksumBlank|ring.FlagDataValidated), gsoSize)
}

func (b *Backend) copyFrom(dst []byte, s ring.Slot, n int) ([]byte, bool) {
	page, err := b.grants.Map(s.GrantRef(), false)
	if err != nil {
		log.Warningf("netback %s: %v", b.conf.BackendDir, err)
		return dst, false
	}
	off := int(s.Offset)
	if off+n > len(page) {
		return dst, false
	}
	return append(dst, page[off:off+n]...), true
}

// loop queues a transmitted frame for delivery back to the frontend,
// segmenting or completing checksums the receiver cannot handle.
func (b *Backend) loop(c *conn, data []byte, flags, gsoSize uint16) {
	if gsoSize > 0 {
		fits := c.frontSG || len(data) <= pagemem.PageSize
		if c.frontGSO && fits && !b.conf.SegmentRx {
			b.enqueue(frame{data: data, flags: flags, gsoSize: gsoSize})
			return
		}
		segs, err := segment(data, int(gsoSize))
		if err != nil {
			b.stats.rxDropped.Add(1)
			log.Warningf("netback %s: segmenting: %v", b.conf.BackendDir, err)
			return
		}
		b.stats.segmented.Add(1)
		for _, s := range segs {
			b.enqueue(frame{data: s, flags: ring.FlagDataValidated})
		}
		return
	}
	if flags&ring.FlagChecksumBlank != 0 && !c.frontCsum {
		fillChecksum(data)
		flags = ring.FlagDataValidated
	}
	if !c.frontSG && len(data) > pagemem.PageSize {
		b.stats.rxDropped.Add(1)
		return
	}
	b.enqueue(frame{data: data, flags: flags})
}

func (b *Backend) enqueue(f frame) {
	if len(b.backlog) >= b.conf.MaxBacklog {
		b.stats.rxDropped.Add(1)
		return
	}
	b.backlog = append(b.backlog, f)
}
