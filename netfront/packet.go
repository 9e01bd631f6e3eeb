package netfront

import (
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Offload carries per-packet offload requests from the host.
type Offload struct {
	// Checksum asks the peer to fill the L4 checksum.
	Checksum bool
	// IPHeaderChecksum asks for the IPv4 header checksum to be computed.
	IPHeaderChecksum bool
	// MSS above zero requests TCP segmentation.
	MSS uint16
}

// Packet is an outgoing Ethernet frame. Frags must stay untouched until
// OnSendComplete reports the packet.
type Packet struct {
	Frags   [][]byte
	Offload Offload
	Cookie  any
}

// Len returns the frame length.
func (p *Packet) Len() int {
	n := 0
	for _, f := range p.Frags {
		n += len(f)
	}
	return n
}

// ChecksumHints describes what the backend vouched for.
type ChecksumHints struct {
	IPValid bool
	L4Valid bool
	// Blank is set when the L4 checksum field was not filled in.
	Blank bool
}

// RxPacket is a received frame. Chain views alias pool memory and are only
// valid until Release.
type RxPacket struct {
	Chain     [][]byte
	Hints     ChecksumHints
	GSOSize   uint16
	Multicast bool
	Broadcast bool

	bufs     []*Buffer
	released atomic.Bool
}

// Len returns the frame length.
func (p *RxPacket) Len() int {
	n := 0
	for _, c := range p.Chain {
		n += len(c)
	}
	return n
}

// Bytes copies the frame into one slice.
func (p *RxPacket) Bytes() []byte {
	b := make([]byte, 0, p.Len())
	for _, c := range p.Chain {
		b = append(b, c...)
	}
	return b
}

// Release returns the packet's buffers. Calls after the first are no-ops.
func (p *RxPacket) Release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	for _, b := range p.bufs {
		b.pool.unref(b)
	}
	p.Chain, p.bufs = nil, nil
}

type parseResult uint8

const (
	parseOK parseResult = iota
	parseTooSmall
	parseUnknownType
)

func (r parseResult) String() string {
	switch r {
	case parseOK:
		return "ok"
	case parseTooSmall:
		return "too small"
	}
	return "unknown type"
}

// packetInfo is the parsed view of a frame's headers.
type packetInfo struct {
	result parseResult

	// header holds at least the first headerLength bytes of the frame.
	header       []byte
	headerLength int
	totalLength  int

	ipVersion      int
	ipHeaderLength int
	ipTotalLength  int
	// ipLengthZero marks an IPv4 total length of 0, as stacks emit for LSO.
	ipLengthZero bool
	protocol     uint8

	tcpHeaderLength int
	// tcpLength is the L4 payload length.
	tcpLength int
	tcpSeq    uint32

	csumBlank     bool
	dataValidated bool
	mss           int
	splitRequired bool

	broadcast bool
	multicast bool
}

// gatherHeader copies up to len(dst) leading bytes of frags into dst.
// The first fragment is used as is when it is long enough.
func gatherHeader(dst []byte, frags [][]byte) []byte {
	if len(frags) > 0 && len(frags[0]) >= len(dst) {
		return frags[0][:len(dst)]
	}
	n := 0
	for _, f := range frags {
		if n == len(dst) {
			break
		}
		n += copy(dst[n:], f)
	}
	return dst[:n]
}

// parse classifies the frame whose first bytes are h and whose length is
// total. h should hold min(total, MaxPacketHeaderLength) bytes.
func (pi *packetInfo) parse(h []byte, total int) {
	*pi = packetInfo{header: h, totalLength: total, result: parseTooSmall}

	if len(h) < header.EthernetMinimumSize {
		return
	}
	dst := h[:6]
	pi.broadcast = allOnes(dst)
	pi.multicast = !pi.broadcast && dst[0]&0x01 != 0

	if header.Ethernet(h).Type() != header.IPv4ProtocolNumber {
		pi.result = parseUnknownType
		return
	}
	l3 := h[header.EthernetMinimumSize:]
	if len(l3) < header.IPv4MinimumSize {
		return
	}
	pi.ipVersion = header.IPVersion(l3)
	if pi.ipVersion != header.IPv4Version {
		pi.result = parseUnknownType
		return
	}
	ip := header.IPv4(l3)
	pi.ipHeaderLength = int(ip.HeaderLength())
	pi.ipTotalLength = int(ip.TotalLength())
	pi.protocol = ip.Protocol()
	if pi.ipHeaderLength < header.IPv4MinimumSize {
		pi.result = parseUnknownType
		return
	}
	if pi.ipTotalLength == 0 && pi.protocol == uint8(header.TCPProtocolNumber) {
		pi.ipLengthZero = true
		pi.ipTotalLength = total - header.EthernetMinimumSize
	}
	if header.EthernetMinimumSize+pi.ipTotalLength > total ||
		pi.ipTotalLength < pi.ipHeaderLength {
		pi.result = parseUnknownType
		return
	}

	l4off := header.EthernetMinimumSize + pi.ipHeaderLength
	switch pi.protocol {
	case uint8(header.TCPProtocolNumber):
		if len(h) < l4off+header.TCPMinimumSize {
			return
		}
		tcp := header.TCP(h[l4off:])
		pi.tcpHeaderLength = int(tcp.DataOffset())
		if pi.tcpHeaderLength < header.TCPMinimumSize {
			pi.result = parseUnknownType
			return
		}
		pi.tcpSeq = tcp.SequenceNumber()
	case uint8(header.UDPProtocolNumber):
		pi.tcpHeaderLength = header.UDPMinimumSize
	default:
		pi.result = parseUnknownType
		return
	}
	pi.headerLength = l4off + pi.tcpHeaderLength
	if len(h) < pi.headerLength {
		return
	}
	pi.tcpLength = pi.ipTotalLength - pi.ipHeaderLength - pi.tcpHeaderLength
	if pi.tcpLength < 0 {
		pi.result = parseUnknownType
		return
	}
	pi.result = parseOK
}

func (pi *packetInfo) isTCP() bool {
	return pi.result == parseOK && pi.protocol == uint8(header.TCPProtocolNumber)
}

// l4Offset is the offset of the TCP or UDP header in the frame.
func (pi *packetInfo) l4Offset() int {
	return header.EthernetMinimumSize + pi.ipHeaderLength
}

func allOnes(b []byte) bool {
	for _, v := range b {
		if v != 0xff {
			return false
		}
	}
	return true
}
