package netback

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

const (
	ethHeaderLength   = header.EthernetMinimumSize
	tcpChecksumOffset = 16
	udpChecksumOffset = 6
)

var (
	errNotIPv4 = errors.New("not an IPv4 frame")
	errNotTCP  = errors.New("not a TCP segment")
)

// segment cuts a TCP/IPv4 frame into frames of at most mss payload bytes
// with complete checksums. FIN and PSH stay on the last segment only.
func segment(data []byte, mss int) ([][]byte, error) {
	if mss <= 0 {
		return nil, fmt.Errorf("mss %d", mss)
	}
	if len(data) < ethHeaderLength+header.IPv4MinimumSize ||
		header.Ethernet(data).Type() != header.IPv4ProtocolNumber {
		return nil, errNotIPv4
	}
	ip := header.IPv4(data[ethHeaderLength:])
	ihl := int(ip.HeaderLength())
	if ip.TransportProtocol() != header.TCPProtocolNumber ||
		len(data) < ethHeaderLength+ihl+header.TCPMinimumSize {
		return nil, errNotTCP
	}
	tcp := header.TCP(data[ethHeaderLength+ihl:])
	thl := int(tcp.DataOffset())
	hl := ethHeaderLength + ihl + thl
	end := ethHeaderLength + int(ip.TotalLength())
	if ip.TotalLength() == 0 {
		end = len(data)
	}
	if thl < header.TCPMinimumSize || hl > len(data) || end > len(data) || end < hl {
		return nil, fmt.Errorf("bad header lengths ip %d tcp %d total %d", ihl, thl, end)
	}
	payload := data[hl:end]
	flags := tcp.Flags()
	seq := tcp.SequenceNumber()
	id := ip.ID()

	var out [][]byte
	for i, off := 0, 0; off < len(payload); i, off = i+1, off+mss {
		n := min(mss, len(payload)-off)
		seg := make([]byte, hl+n)
		copy(seg, data[:hl])
		copy(seg[hl:], payload[off:off+n])

		sip := header.IPv4(seg[ethHeaderLength:])
		sip.SetTotalLength(uint16(ihl + thl + n))
		sip.SetID(id + uint16(i))
		sip.SetChecksum(0)
		sip.SetChecksum(^sip.CalculateChecksum())

		st := header.TCP(seg[ethHeaderLength+ihl:])
		st.SetSequenceNumber(seq + uint32(off))
		f := flags
		if off+n < len(payload) {
			f &^= header.TCPFlagFin | header.TCPFlagPsh
		}
		st.SetFlags(uint8(f))
		fillChecksum(seg)
		out = append(out, seg)
	}
	return out, nil
}

// fillChecksum computes the TCP or UDP checksum of an IPv4 frame in place.
// Other frames are left alone.
func fillChecksum(data []byte) {
	if len(data) < ethHeaderLength+header.IPv4MinimumSize ||
		header.Ethernet(data).Type() != header.IPv4ProtocolNumber {
		return
	}
	ip := header.IPv4(data[ethHeaderLength:])
	ihl := int(ip.HeaderLength())
	end := ethHeaderLength + int(ip.TotalLength())
	if end > len(data) || ethHeaderLength+ihl > end {
		return
	}
	l4 := data[ethHeaderLength+ihl : end]
	proto := ip.TransportProtocol()
	var off int
	switch proto {
	case header.TCPProtocolNumber:
		if len(l4) < header.TCPMinimumSize {
			return
		}
		off = tcpChecksumOffset
	case header.UDPProtocolNumber:
		if len(l4) < header.UDPMinimumSize {
			return
		}
		off = udpChecksumOffset
	default:
		return
	}
	l4[off], l4[off+1] = 0, 0
	sum := header.PseudoHeaderChecksum(proto, ip.SourceAddress(), ip.DestinationAddress(), uint16(len(l4)))
	sum = ^checksum.Checksum(l4, sum)
	if sum == 0 && proto == header.UDPProtocolNumber {
		sum = 0xffff
	}
	l4[off], l4[off+1] = byte(sum>>8), byte(sum)
}
