package netfront

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/netfront-go/ring"
)

func TestSendSingleSlot(t *testing.T) {
	h := newHarness(t, nil)
	f := tcpFrame(6, header.TCPFlagAck, 1)
	p := &Packet{Frags: [][]byte{f}}
	if !h.d.Send(p) {
		t.Fatal("Send refused a packet on an empty ring")
	}
	slots := h.txRequests()
	if len(slots) != 1 {
		t.Fatalf("%d slots, want 1", len(slots))
	}
	if slots[0].Has(ring.FlagMoreData) || int(slots[0].Size) != len(f) {
		t.Fatalf("slot %+v", slots[0])
	}
	if got := h.txAssemble(slots); !bytes.Equal(got, f) {
		t.Fatal("granted page differs from the frame")
	}
	h.txRespond(slots, ring.StatusOkay)
	got := h.takeCompleted()
	if len(got) != 1 || got[0].pkt != p || got[0].err != nil {
		t.Fatalf("completions %+v", got)
	}
	// Only the ring pages stay granted.
	if s := h.grants.Stats(); s.InUse != 2 {
		t.Fatalf("%d grants in use", s.InUse)
	}
}

func TestSendErrorStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.d.Send(&Packet{Frags: [][]byte{udpFrame(10)}})
	h.d.Send(&Packet{Frags: [][]byte{udpFrame(10)}})
	slots := h.txRequests()
	h.txRespond(slots[:1], ring.StatusError)
	h.txRespond(slots[1:], ring.StatusDropped)
	got := h.takeCompleted()
	if len(got) != 2 || !errors.Is(got[0].err, ErrBackendError) ||
		!errors.Is(got[1].err, ErrBackendDropped) {
		t.Fatalf("completions %+v", got)
	}
}

func TestSendBackpressure(t *testing.T) {
	h := newHarness(t, nil)
	for i := range int(ring.PageSlots) {
		if !h.d.Send(&Packet{Frags: [][]byte{udpFrame(10)}}) {
			t.Fatalf("Send %d refused", i)
		}
	}
	cursors, grants := h.d.TxCursors(), h.grants.Stats()
	for range 3 {
		if h.d.Send(&Packet{Frags: [][]byte{udpFrame(10)}}) {
			t.Fatal("Send accepted a packet on a full ring")
		}
	}
	if diff := cmp.Diff(cursors, h.d.TxCursors()); diff != "" {
		t.Fatalf("refused send moved the ring (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(grants, h.grants.Stats()); diff != "" {
		t.Fatalf("refused send touched grants (-before +after):\n%s", diff)
	}
	if got := h.d.Stats().TxBusy; got != 3 {
		t.Fatalf("TxBusy = %d, want 3", got)
	}
	if len(h.takeCompleted()) != 0 {
		t.Fatal("refused packets were completed")
	}

	h.txRespond(h.txRequests()[:1], ring.StatusOkay)
	if !h.d.Send(&Packet{Frags: [][]byte{udpFrame(10)}}) {
		t.Fatal("Send refused after a slot was reclaimed")
	}
}

func TestSendRefusedWhilePaused(t *testing.T) {
	h := newHarness(t, nil)
	h.d.setTxPaused(true)
	if h.d.Send(&Packet{Frags: [][]byte{udpFrame(10)}}) {
		t.Fatal("Send accepted while paused")
	}
	h.d.setTxPaused(false)
	if !h.d.Send(&Packet{Frags: [][]byte{udpFrame(10)}}) {
		t.Fatal("Send refused after unpause")
	}
	if h.d.Send(&Packet{}) {
		t.Fatal("Send accepted an empty packet")
	}
}

func TestSendCoalesce(t *testing.T) {
	h := newHarness(t, nil)
	payload := make([]byte, 60000-54)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	frame := append(tcpFrame(0, header.TCPFlagAck, 1)[:54:54], payload...)
	header.IPv4(frame[ethHeaderLength:]).SetTotalLength(uint16(len(frame) - ethHeaderLength))
	p := &Packet{Frags: fragments(frame, 3000)}
	if len(p.Frags) != 20 {
		t.Fatalf("%d frags", len(p.Frags))
	}
	if !h.d.Send(p) {
		t.Fatal("Send refused")
	}
	slots := h.txRequests()
	if len(slots) > int(h.d.Config().MaxSlotsPerPacket) {
		t.Fatalf("%d slots exceed the limit of %d", len(slots), h.d.Config().MaxSlotsPerPacket)
	}
	if len(slots) != 19 {
		t.Fatalf("%d slots, want 19", len(slots))
	}
	for i, s := range slots {
		if more := s.Has(ring.FlagMoreData); more != (i < len(slots)-1) {
			t.Fatalf("slot %d more-data %t", i, more)
		}
	}
	if got := h.txAssemble(slots); !bytes.Equal(got, frame) {
		t.Fatal("coalesced frame differs")
	}
	if got := h.d.Stats().TxCoalesced; got != 1 {
		t.Fatalf("TxCoalesced = %d", got)
	}
	h.txRespond(slots, ring.StatusOkay)
	if c := h.takeCompleted(); len(c) != 1 || c[0].err != nil {
		t.Fatalf("completions %+v", c)
	}
	if s := h.d.txBufs.stats(); s.Free != s.Allocated {
		t.Fatalf("tx buffers leaked: %+v", s)
	}
}

func TestCoalescePlan(t *testing.T) {
	chunks := [][]byte{make([]byte, 1904)}
	for range 18 {
		chunks = append(chunks, make([]byte, 3000))
	}
	direct, tail, ok := coalescePlan(chunks, 19)
	if !ok || direct != 15 || tail != 12000 {
		t.Fatalf("coalescePlan = %d, %d, %t; want 15, 12000, true", direct, tail, ok)
	}
	if _, _, ok := coalescePlan(chunks, 1); ok {
		t.Fatal("coalescePlan fit 19 chunks into one slot")
	}
}

func TestSendGSO(t *testing.T) {
	h := newHarness(t, nil)
	frame := tcpFrame(9000, header.TCPFlagAck|header.TCPFlagPsh, 100)
	p := &Packet{Frags: fragments(frame, 1000), Offload: Offload{Checksum: true, MSS: 1460}}
	if !h.d.Send(p) {
		t.Fatal("Send refused")
	}
	slots := h.txRequests()
	hdr := slots[0]
	want := ring.FlagExtraInfo | ring.FlagMoreData | ring.FlagChecksumBlank | ring.FlagDataValidated
	if !hdr.Has(want) {
		t.Fatalf("header flags %#x, want %#x", hdr.Flags, want)
	}
	e := slots[1].Extra()
	if diff := cmp.Diff(ring.ExtraInfo{Type: ring.ExtraTypeGSO, GSOType: ring.GSOTypeTCPv4, GSOSize: 1460}, e); diff != "" {
		t.Fatalf("extra info (-want +got):\n%s", diff)
	}
	got := h.txAssemble(slots)
	if len(got) != len(frame) || !bytes.Equal(got[54:], frame[54:]) {
		t.Fatal("payload differs")
	}
	if h.d.Stats().TxGSO != 1 {
		t.Fatal("TxGSO not counted")
	}
	for i := range slots {
		if i == 1 {
			h.txRespond(slots[i:i+1], ring.StatusNull)
			continue
		}
		h.txRespond(slots[i:i+1], ring.StatusOkay)
	}
	if c := h.takeCompleted(); len(c) != 1 || c[0].err != nil {
		t.Fatalf("completions %+v", c)
	}
}

func TestSendUnsupported(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ScatterGather = false })
	grants := h.grants.Stats()
	p := &Packet{Frags: [][]byte{make([]byte, 5000)}}
	if !h.d.Send(p) {
		t.Fatal("Send refused a packet it can never send")
	}
	c := h.takeCompleted()
	if len(c) != 1 || !errors.Is(c[0].err, ErrUnsupported) {
		t.Fatalf("completions %+v", c)
	}
	if diff := cmp.Diff(grants, h.grants.Stats()); diff != "" {
		t.Fatalf("grants touched (-before +after):\n%s", diff)
	}
	if h.d.Stats().TxDropped != 1 {
		t.Fatal("TxDropped not counted")
	}
}

func TestSendSoftwareChecksum(t *testing.T) {
	h := newHarness(t, nil)
	h.d.features.Store(&Features{ScatterGather: true, MTU: 1500})
	f := tcpFrame(500, header.TCPFlagAck, 9)
	header.TCP(f[34:]).SetChecksum(0)
	if !h.d.Send(&Packet{Frags: fragments(f, 100), Offload: Offload{Checksum: true}}) {
		t.Fatal("Send refused")
	}
	slots := h.txRequests()
	if slots[0].Has(ring.FlagChecksumBlank) {
		t.Fatal("blank checksum sent without offload")
	}
	if got := h.txAssemble(slots); !validL4(got) {
		t.Fatal("checksum not filled in software")
	}
}

// TestSendRandomized interleaves sends, partial out of order responses and
// refusals, and checks each accepted packet completes exactly once with no
// grant or buffer left behind.
func TestSendRandomized(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxSlotsPerPacket = 8 })
	rng := rand.New(rand.NewPCG(1, 2))
	accepted := map[*Packet]int{}
	var pending []ring.Slot

	respond := func(n int) {
		rng.Shuffle(len(pending), func(i, j int) { pending[i], pending[j] = pending[j], pending[i] })
		h.txRespond(pending[:n], ring.StatusOkay)
		pending = pending[n:]
		for _, c := range h.takeCompleted() {
			if c.err != nil {
				t.Fatalf("completion error %v", c.err)
			}
			accepted[c.pkt]++
		}
	}
	for range 3000 {
		if rng.IntN(3) > 0 {
			size := 60 + rng.IntN(20000)
			frame := make([]byte, size)
			frame[12], frame[13] = 0x88, 0xb5
			p := &Packet{Frags: fragments(frame, 1+rng.IntN(3000))}
			if h.d.Send(p) {
				accepted[p] += 0
			}
		}
		pending = append(pending, h.txRequests()...)
		if len(pending) > 0 && rng.IntN(2) == 0 {
			respond(rng.IntN(len(pending) + 1))
		}
	}
	respond(len(pending))

	for p, n := range accepted {
		if n != 1 {
			t.Fatalf("packet of %d bytes completed %d times", p.Len(), n)
		}
	}
	if s := h.grants.Stats(); s.InUse != 2 {
		t.Fatalf("%d grants in use, want the 2 ring grants", s.InUse)
	}
	if s := h.d.txBufs.stats(); s.Free != s.Allocated {
		t.Fatalf("tx buffers leaked: %+v", s)
	}
	if !h.d.txDrained() {
		t.Fatal("ring not drained")
	}
}

func TestPurgeTx(t *testing.T) {
	h := newHarness(t, nil)
	h.d.Send(&Packet{Frags: [][]byte{udpFrame(10)}})
	h.d.purgeTx()
	c := h.takeCompleted()
	if len(c) != 1 || !errors.Is(c[0].err, ErrShutdown) {
		t.Fatalf("completions %+v", c)
	}
}
