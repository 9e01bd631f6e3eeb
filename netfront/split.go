package netfront

import (
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// split cuts a received TCP segment into pieces of at most mss payload
// bytes. Each piece gets its own copy of the headers; payload stays in the
// original buffers, which gain one reference per piece using them.
func (d *Device) split(
	out []*RxPacket, pi *packetInfo, bufs []*Buffer, views [][]byte,
	mss int, hints ChecksumHints,
) []*RxPacket {
	hl := pi.headerLength
	origFlags := header.TCP(pi.header[pi.l4Offset():]).Flags()
	seq := pi.tcpSeq
	off := hl
	for remaining := pi.tcpLength; remaining > 0; {
		n := min(remaining, mss)
		hb := d.hdrBufs.get()
		if hb == nil {
			d.stats.rxDropped.Add(1)
			d.violations.Warningf("netfront: header pool exhausted, dropping %d bytes of split packet",
				remaining)
			break
		}
		hdr := hb.data[:copy(hb.data, pi.header[:hl])]
		header.IPv4(hdr[ethHeaderLength:]).SetTotalLength(
			uint16(pi.ipHeaderLength + pi.tcpHeaderLength + n))
		tcp := header.TCP(hdr[pi.l4Offset():])
		tcp.SetSequenceNumber(seq)
		if remaining > n {
			tcp.SetFlags(uint8(origFlags & header.TCPFlagAck))
		} else {
			tcp.SetFlags(uint8(origFlags))
		}
		sumIPHeader(hdr)

		data, first := chainRange(views, off, n)
		h := hints
		if pi.csumBlank && d.conf.RxFixChecksum {
			fillL4Checksum(pi, hdr, data, n)
			h.Blank = false
		}
		pbufs := make([]*Buffer, 0, 1+len(data))
		pbufs = append(pbufs, hb)
		for _, b := range bufs[first : first+len(data)] {
			b.pool.ref(b)
			pbufs = append(pbufs, b)
		}
		out = append(out, &RxPacket{
			Chain:     append([][]byte{hdr}, data...),
			Hints:     h,
			Broadcast: pi.broadcast,
			Multicast: pi.multicast,
			bufs:      pbufs,
		})
		d.stats.rxSplit.Add(1)

		seq += uint32(n)
		off += n
		remaining -= n
	}
	for _, b := range bufs {
		b.pool.unref(b)
	}
	return out
}

// chainRange returns views of n bytes starting at off across chain, and the
// index of the first chain element used.
func chainRange(chain [][]byte, off, n int) (parts [][]byte, first int) {
	first = -1
	for i, c := range chain {
		if n == 0 {
			break
		}
		if off >= len(c) {
			off -= len(c)
			continue
		}
		if first < 0 {
			first = i
		}
		c = c[off:]
		off = 0
		m := min(len(c), n)
		parts = append(parts, c[:m:m])
		n -= m
	}
	if first < 0 {
		first = 0
	}
	return parts, first
}

func viewRange(chain [][]byte, off, n int) [][]byte {
	parts, _ := chainRange(chain, off, n)
	return parts
}
