package netback

import (
	"github.com/romshark/netfront-go/pagemem"
	"github.com/romshark/netfront-go/ring"
)

// serveRx delivers queued frames while the frontend has posted enough
// buffers for the next one. It returns the number of frames delivered.
func (b *Backend) serveRx(c *conn) int {
	moved := 0
	var reqs []ring.Slot
	for len(b.backlog) > 0 {
		f := b.backlog[0]
		need := slotsFor(f)
		if int(c.rx.UnconsumedRequests()) < need {
			break
		}
		reqs = reqs[:0]
		for s := range c.rx.Requests() {
			reqs = append(reqs, s)
			if len(reqs) == need {
				break
			}
		}
		b.deliverFrame(c, f, reqs)
		b.backlog[0] = frame{}
		b.backlog = b.backlog[1:]
		moved++
	}
	if len(b.backlog) == 0 {
		b.backlog = nil
	}
	if moved > 0 && c.rx.PushAndCheckNotify() {
		c.evt.Notify()
	}
	return moved
}

func slotsFor(f frame) int {
	n := (len(f.data) + pagemem.PageSize - 1) / pagemem.PageSize
	if f.gsoSize > 0 {
		n++
	}
	return max(n, 1)
}

// deliverFrame writes f into the buffers named by reqs. The first data
// response carries the checksum flags and, for GSO frames, is followed by
// the extra-info record.
func (b *Backend) deliverFrame(c *conn, f frame, reqs []ring.Slot) {
	data := f.data
	r := 0
	first := true
	ok := true
	for first || len(data) > 0 {
		n := min(len(data), pagemem.PageSize)
		req := reqs[r]
		r++
		rsp := ring.Slot{ID: req.ID}
		if first {
			rsp.Flags = f.flags
			if f.gsoSize > 0 {
				rsp.Flags |= ring.FlagExtraInfo
			}
		}
		if n < len(data) {
			rsp.Flags |= ring.FlagMoreData
		}
		if page, err := b.grants.Map(req.GrantRef(), true); err != nil {
			rsp.SetStatus(ring.StatusError)
			ok = false
		} else {
			rsp.Size = uint16(copy(page, data[:n]))
		}
		c.rx.PutResponse(rsp)
		if first && f.gsoSize > 0 {
			e := ring.ExtraInfo{
				Type:    ring.ExtraTypeGSO,
				GSOType: ring.GSOTypeTCPv4,
				GSOSize: f.gsoSize,
			}.Slot()
			e.ID = reqs[r].ID
			r++
			c.rx.PutResponse(e)
		}
		data = data[n:]
		first = false
	}
	if !ok {
		b.stats.rxDropped.Add(1)
		return
	}
	b.stats.rxPackets.Add(1)
	b.stats.rxBytes.Add(uint64(len(f.data)))
}
