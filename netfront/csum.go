package netfront

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// sumIPHeader recomputes the IPv4 header checksum of frame.
func sumIPHeader(frame []byte) {
	ip := header.IPv4(frame[ethHeaderLength:])
	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())
}

// checkIPHeaderSum reports whether the IPv4 header checksum of frame holds.
func checkIPHeaderSum(frame []byte) bool {
	ip := header.IPv4(frame[ethHeaderLength:])
	return checksum.Checksum(ip[:ip.HeaderLength()], 0) == 0xffff
}

// lsoPseudoAdjust removes the L4 length from a pseudo-header checksum left
// in the TCP checksum field; segmenting peers add their own per segment.
func lsoPseudoAdjust(frame []byte, pi *packetInfo) {
	tcp := header.TCP(frame[pi.l4Offset():])
	l := uint16(pi.ipTotalLength - pi.ipHeaderLength)
	tcp.SetChecksum(^checksum.Combine(^tcp.Checksum(), ^l))
}

const (
	tcpChecksumOffset = 16
	udpChecksumOffset = 6
)

func l4ChecksumOffset(proto uint8) int {
	if proto == uint8(header.UDPProtocolNumber) {
		return udpChecksumOffset
	}
	return tcpChecksumOffset
}

// l4Sum sums the pseudo-header, the L4 header in hdr and payload. l4Len is
// the L4 header plus payload length.
func l4Sum(pi *packetInfo, hdr []byte, payload [][]byte, l4Len int) uint16 {
	ip := header.IPv4(hdr[ethHeaderLength:])
	var c checksum.Checksumer
	c.Add(hdr[pi.l4Offset():pi.headerLength])
	for _, p := range payload {
		c.Add(p)
	}
	pseudo := header.PseudoHeaderChecksum(
		ip.TransportProtocol(),
		ip.SourceAddress(), ip.DestinationAddress(), uint16(l4Len))
	return checksum.Combine(pseudo, c.Checksum())
}

// fillL4Checksum computes the TCP or UDP checksum of a frame whose headers
// are in hdr and whose L4 payload is payload.
func fillL4Checksum(pi *packetInfo, hdr []byte, payload [][]byte, payloadLen int) {
	off := pi.l4Offset() + l4ChecksumOffset(pi.protocol)
	binary.BigEndian.PutUint16(hdr[off:], 0)
	sum := ^l4Sum(pi, hdr, payload, pi.tcpHeaderLength+payloadLen)
	if sum == 0 && pi.protocol == uint8(header.UDPProtocolNumber) {
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(hdr[off:], sum)
}

// checkL4Checksum reports whether the stored TCP or UDP checksum holds.
func checkL4Checksum(pi *packetInfo, hdr []byte, payload [][]byte, payloadLen int) bool {
	return l4Sum(pi, hdr, payload, pi.tcpHeaderLength+payloadLen) == 0xffff
}
