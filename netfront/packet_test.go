package netfront

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

func TestParse(t *testing.T) {
	tcp := tcpFrame(100, header.TCPFlagAck, 42)
	var pi packetInfo
	pi.parse(tcp[:MaxPacketHeaderLength], len(tcp))
	if pi.result != parseOK || !pi.isTCP() {
		t.Fatalf("tcp parse result %v", pi.result)
	}
	got := [...]int{pi.ipHeaderLength, pi.tcpHeaderLength, pi.headerLength, pi.tcpLength, int(pi.tcpSeq)}
	if diff := cmp.Diff([...]int{20, 20, 54, 100, 42}, got); diff != "" {
		t.Fatalf("tcp fields (-want +got):\n%s", diff)
	}

	udp := udpFrame(30)
	pi.parse(udp, len(udp))
	if pi.result != parseOK || pi.isTCP() || pi.tcpLength != 30 {
		t.Fatalf("udp parse: %v tcp %t len %d", pi.result, pi.isTCP(), pi.tcpLength)
	}

	arp := make([]byte, 60)
	header.Ethernet(arp).Encode(&header.EthernetFields{Type: header.ARPProtocolNumber})
	pi.parse(arp, len(arp))
	if pi.result != parseUnknownType {
		t.Fatalf("arp parse result %v", pi.result)
	}

	pi.parse(tcp[:10], len(tcp))
	if pi.result != parseTooSmall {
		t.Fatalf("short parse result %v", pi.result)
	}
}

func TestParseBroadcast(t *testing.T) {
	f := udpFrame(10)
	copy(f, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	var pi packetInfo
	pi.parse(f, len(f))
	if !pi.broadcast || pi.multicast {
		t.Fatalf("broadcast %t multicast %t", pi.broadcast, pi.multicast)
	}
	copy(f, []byte{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01})
	pi.parse(f, len(f))
	if pi.broadcast || !pi.multicast {
		t.Fatalf("broadcast %t multicast %t", pi.broadcast, pi.multicast)
	}
}

func TestParseZeroIPLength(t *testing.T) {
	f := tcpFrame(3000, header.TCPFlagAck, 1)
	header.IPv4(f[ethHeaderLength:]).SetTotalLength(0)
	var pi packetInfo
	pi.parse(f[:MaxPacketHeaderLength], len(f))
	if pi.result != parseOK || !pi.ipLengthZero {
		t.Fatalf("result %v, ipLengthZero %t", pi.result, pi.ipLengthZero)
	}
	if pi.tcpLength != 3000 {
		t.Fatalf("tcpLength = %d, want 3000", pi.tcpLength)
	}
}

func TestChecksums(t *testing.T) {
	f := tcpFrame(999, header.TCPFlagAck|header.TCPFlagPsh, 5)
	if !validL4(f) {
		t.Fatal("builder produced bad checksums")
	}
	var pi packetInfo
	pi.parse(f, len(f))

	hdr := f[:pi.headerLength]
	chain := fragments(f[pi.headerLength:], 300)
	if !checkL4Checksum(&pi, hdr, chain, pi.tcpLength) {
		t.Fatal("checkL4Checksum rejected a valid segment")
	}
	f[len(f)-1] ^= 0xff
	if checkL4Checksum(&pi, hdr, chain, pi.tcpLength) {
		t.Fatal("checkL4Checksum accepted a corrupt segment")
	}
	fillL4Checksum(&pi, hdr, chain, pi.tcpLength)
	if !validL4(f) {
		t.Fatal("fillL4Checksum left a bad checksum")
	}

	header.IPv4(f[ethHeaderLength:]).SetTTL(3)
	if checkIPHeaderSum(f) {
		t.Fatal("stale IP header checksum accepted")
	}
	sumIPHeader(f)
	if !checkIPHeaderSum(f) {
		t.Fatal("sumIPHeader left a bad checksum")
	}
}

func TestUDPChecksum(t *testing.T) {
	f := udpFrame(77)
	var pi packetInfo
	pi.parse(f, len(f))
	fillL4Checksum(&pi, f[:pi.headerLength], [][]byte{f[pi.headerLength:]}, pi.tcpLength)
	if !validL4(f) {
		t.Fatal("udp checksum invalid")
	}
}

func TestGatherHeader(t *testing.T) {
	frags := [][]byte{{1, 2}, {3}, {4, 5, 6}}
	var dst [5]byte
	if diff := cmp.Diff([]byte{1, 2, 3, 4, 5}, gatherHeader(dst[:], frags)); diff != "" {
		t.Fatalf("gather (-want +got):\n%s", diff)
	}
	long := [][]byte{{9, 8, 7, 6, 5, 4}}
	if got := gatherHeader(dst[:], long); &got[0] != &long[0][0] {
		t.Fatal("long first fragment was copied")
	}
}

func TestChainRange(t *testing.T) {
	chain := [][]byte{[]byte("abcd"), []byte("ef"), []byte("ghijk")}
	parts, first := chainRange(chain, 3, 5)
	if first != 0 {
		t.Fatalf("first = %d", first)
	}
	if diff := cmp.Diff([]string{"d", "ef", "gh"}, toStrings(parts)); diff != "" {
		t.Fatalf("parts (-want +got):\n%s", diff)
	}
	parts, first = chainRange(chain, 6, 3)
	if first != 2 {
		t.Fatalf("first = %d", first)
	}
	if diff := cmp.Diff([]string{"ghi"}, toStrings(parts)); diff != "" {
		t.Fatalf("parts (-want +got):\n%s", diff)
	}
}

func toStrings(b [][]byte) []string {
	out := make([]string, len(b))
	for i, p := range b {
		out[i] = string(p)
	}
	return out
}

func TestRxPacketReleaseIdempotent(t *testing.T) {
	p := newHeaderPool("test", 64, 2, 0)
	b := p.get()
	pkt := &RxPacket{Chain: [][]byte{b.data}, bufs: []*Buffer{b}}
	pkt.Release()
	pkt.Release()
	if p.stats().Free != 2 {
		t.Fatalf("stats %+v", p.stats())
	}
}
