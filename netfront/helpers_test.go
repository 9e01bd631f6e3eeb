package netfront

import (
	"sync"
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/netfront-go/evtchn"
	"github.com/romshark/netfront-go/grant"
	"github.com/romshark/netfront-go/ring"
	"github.com/romshark/netfront-go/xenbus"
)

var (
	testSrcMAC = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x01")
	testDstMAC = tcpip.LinkAddress("\x02\x00\x00\x00\x00\x02")
	testSrcIP  = tcpip.AddrFrom4([4]byte{10, 0, 0, 1})
	testDstIP  = tcpip.AddrFrom4([4]byte{10, 0, 0, 2})
)

// tcpFrame builds a TCP/IPv4 frame with valid checksums and a payload of
// sequential bytes.
func tcpFrame(payload int, flags header.TCPFlags, seq uint32) []byte {
	b := make([]byte, ethHeaderLength+header.IPv4MinimumSize+header.TCPMinimumSize+payload)
	header.Ethernet(b).Encode(&header.EthernetFields{
		SrcAddr: testSrcMAC,
		DstAddr: testDstMAC,
		Type:    header.IPv4ProtocolNumber,
	})
	ip := header.IPv4(b[ethHeaderLength:])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(header.IPv4MinimumSize + header.TCPMinimumSize + payload),
		ID:          7,
		TTL:         64,
		Protocol:    uint8(header.TCPProtocolNumber),
		SrcAddr:     testSrcIP,
		DstAddr:     testDstIP,
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	tcp := header.TCP(b[ethHeaderLength+header.IPv4MinimumSize:])
	tcp.Encode(&header.TCPFields{
		SrcPort:    1000,
		DstPort:    2000,
		SeqNum:     seq,
		DataOffset: header.TCPMinimumSize,
		Flags:      flags,
		WindowSize: 65535,
	})
	for i := range payload {
		b[ethHeaderLength+header.IPv4MinimumSize+header.TCPMinimumSize+i] = byte(i)
	}
	setTCPChecksum(b)
	return b
}

// udpFrame builds a UDP/IPv4 frame with a blank checksum.
func udpFrame(payload int) []byte {
	b := make([]byte, ethHeaderLength+header.IPv4MinimumSize+header.UDPMinimumSize+payload)
	header.Ethernet(b).Encode(&header.EthernetFields{
		SrcAddr: testSrcMAC,
		DstAddr: testDstMAC,
		Type:    header.IPv4ProtocolNumber,
	})
	ip := header.IPv4(b[ethHeaderLength:])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(header.IPv4MinimumSize + header.UDPMinimumSize + payload),
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     testSrcIP,
		DstAddr:     testDstIP,
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	header.UDP(b[ethHeaderLength+header.IPv4MinimumSize:]).Encode(&header.UDPFields{
		SrcPort: 53,
		DstPort: 5353,
		Length:  uint16(header.UDPMinimumSize + payload),
	})
	return b
}

func setTCPChecksum(b []byte) {
	ip := header.IPv4(b[ethHeaderLength:])
	l4 := b[ethHeaderLength+int(ip.HeaderLength()) : ethHeaderLength+int(ip.TotalLength())]
	tcp := header.TCP(l4)
	tcp.SetChecksum(0)
	sum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		ip.SourceAddress(), ip.DestinationAddress(), uint16(len(l4)))
	tcp.SetChecksum(^checksum.Checksum(l4, sum))
}

// validL4 reports whether the IPv4 header and L4 checksums of b hold.
func validL4(b []byte) bool {
	ip := header.IPv4(b[ethHeaderLength:])
	if checksum.Checksum(ip[:ip.HeaderLength()], 0) != 0xffff {
		return false
	}
	l4 := b[ethHeaderLength+int(ip.HeaderLength()) : ethHeaderLength+int(ip.TotalLength())]
	sum := header.PseudoHeaderChecksum(ip.TransportProtocol(),
		ip.SourceAddress(), ip.DestinationAddress(), uint16(len(l4)))
	return checksum.Checksum(l4, sum) == 0xffff
}

// fragments cuts b into pieces of n bytes.
func fragments(b []byte, n int) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		m := min(n, len(b))
		out = append(out, b[:m])
		b = b[m:]
	}
	return out
}

type completion struct {
	pkt *Packet
	err error
}

// harness drives a device directly with a scripted backend over its rings.
// No deferred task runs; tests call rxDrain and txReclaim themselves.
type harness struct {
	t      *testing.T
	d      *Device
	grants *grant.Table
	tx     *ring.Back
	rx     *ring.Back

	mu        sync.Mutex
	completed []completion
	received  []*RxPacket

	rxReqs []ring.Slot
}

func newHarness(t *testing.T, mut func(*Config)) *harness {
	t.Helper()
	conf := DefaultConfig()
	if mut != nil {
		mut(&conf)
	}
	h := &harness{t: t, grants: grant.NewTable(0)}
	d, err := New(conf, Options{
		Store:  xenbus.NewStore(),
		Grants: h.grants,
		Events: evtchn.NewSwitch(0),
		OnSendComplete: func(p *Packet, err error) {
			h.mu.Lock()
			h.completed = append(h.completed, completion{p, err})
			h.mu.Unlock()
		},
		OnReceive: func(p *RxPacket) {
			h.mu.Lock()
			h.received = append(h.received, p)
			h.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.allocRings(); err != nil {
		t.Fatalf("allocRings: %v", err)
	}
	c := d.Config()
	d.features.Store(&Features{
		ScatterGather:   c.ScatterGather,
		ChecksumOffload: c.ChecksumOffload,
		GSOMaxSize:      c.LargeSendOffload,
		MTU:             c.MTU,
	})
	d.state.Store(StateActive)
	d.fillRing()
	h.d = d
	if h.tx, err = ring.NewBack(d.txPage.Page(0)); err != nil {
		t.Fatalf("NewBack: %v", err)
	}
	if h.rx, err = ring.NewBack(d.rxPage.Page(0)); err != nil {
		t.Fatalf("NewBack: %v", err)
	}
	t.Cleanup(func() {
		d.state.Store(StateDisconnecting)
		for _, p := range h.takeReceived() {
			p.Release()
		}
		if err := d.teardown(); err != nil {
			t.Errorf("teardown: %v", err)
		}
		if s := h.grants.Stats(); s.InUse != 0 {
			t.Errorf("%d grants leaked", s.InUse)
		}
	})
	return h
}

func (h *harness) takeCompleted() []completion {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.completed
	h.completed = nil
	return c
}

func (h *harness) takeReceived() []*RxPacket {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.received
	h.received = nil
	return r
}

// txRequests consumes every published transmit request.
func (h *harness) txRequests() []ring.Slot {
	var out []ring.Slot
	for s := range h.tx.Requests() {
		out = append(out, s)
	}
	return out
}

// txRespond answers slots with status and lets the device reclaim them.
func (h *harness) txRespond(slots []ring.Slot, status int16) {
	for _, s := range slots {
		rsp := ring.Slot{ID: s.ID}
		rsp.SetStatus(status)
		if !h.tx.PutResponse(rsp) {
			h.t.Fatalf("PutResponse for id %d: nothing pending", s.ID)
		}
	}
	h.tx.PushAndCheckNotify()
	h.d.txReclaim(false)
}

// txAssemble reads back the frame described by a packet's slots, skipping
// extra-info records.
func (h *harness) txAssemble(slots []ring.Slot) []byte {
	h.t.Helper()
	hdr := slots[0]
	var data []ring.Slot
	extra := hdr.Has(ring.FlagExtraInfo)
	for _, s := range slots[1:] {
		if extra {
			extra = s.Extra().Flags&ring.ExtraFlagMore != 0
			continue
		}
		data = append(data, s)
	}
	headLen := int(hdr.Size)
	for _, s := range data {
		headLen -= int(s.Size)
	}
	var out []byte
	for i, s := range append([]ring.Slot{hdr}, data...) {
		n := int(s.Size)
		if i == 0 {
			n = headLen
		}
		page, err := h.grants.Map(s.GrantRef(), false)
		if err != nil {
			h.t.Fatalf("slot %d: %v", i, err)
		}
		out = append(out, page[s.Offset:int(s.Offset)+n]...)
	}
	return out
}

// rxPart is one scripted receive response.
type rxPart struct {
	data   []byte
	flags  uint16
	status int16
	extra  *ring.ExtraInfo
}

// rxSend writes parts into posted buffers, one request each, and publishes
// the responses.
func (h *harness) rxSend(parts ...rxPart) {
	h.t.Helper()
	for len(h.rxReqs) < len(parts) {
		n := len(h.rxReqs)
		for s := range h.rx.Requests() {
			h.rxReqs = append(h.rxReqs, s)
		}
		if len(h.rxReqs) == n {
			h.t.Fatalf("need %d rx requests, have %d", len(parts), n)
		}
	}
	for _, p := range parts {
		req := h.rxReqs[0]
		h.rxReqs = h.rxReqs[1:]
		var rsp ring.Slot
		switch {
		case p.extra != nil:
			rsp = p.extra.Slot()
		case p.status != 0:
			rsp.Flags = p.flags
			rsp.SetStatus(p.status)
		default:
			page, err := h.grants.Map(req.GrantRef(), true)
			if err != nil {
				h.t.Fatalf("mapping rx buffer: %v", err)
			}
			rsp.Flags = p.flags
			rsp.Size = uint16(copy(page, p.data))
		}
		rsp.ID = req.ID
		h.rx.PutResponse(rsp)
	}
	h.rx.PushAndCheckNotify()
}

// rxFrame sends data as a chain of page sized parts. flags go on the first
// part; a nonzero gsoSize adds an extra-info record after it.
func (h *harness) rxFrame(data []byte, flags uint16, gsoSize uint16) {
	h.t.Helper()
	chunks := fragments(data, 4096)
	var parts []rxPart
	for i, c := range chunks {
		p := rxPart{data: c}
		if i == 0 {
			p.flags = flags
			if gsoSize > 0 {
				p.flags |= ring.FlagExtraInfo
			}
		}
		if i < len(chunks)-1 {
			p.flags |= ring.FlagMoreData
		}
		parts = append(parts, p)
		if i == 0 && gsoSize > 0 {
			parts = append(parts, rxPart{extra: &ring.ExtraInfo{
				Type:    ring.ExtraTypeGSO,
				GSOType: ring.GSOTypeTCPv4,
				GSOSize: gsoSize,
			}})
		}
	}
	h.rxSend(parts...)
}
