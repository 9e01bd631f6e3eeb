// Package netfront implements the guest side of a paravirtual network
// device. Frames move over two shared rings of slot descriptors, each slot
// naming a granted page, with an event channel for notifications and a
// key-value store for the connection handshake.
package netfront

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/romshark/netfront-go/evtchn"
	"github.com/romshark/netfront-go/grant"
	"github.com/romshark/netfront-go/pagemem"
	"github.com/romshark/netfront-go/ring"
	"github.com/romshark/netfront-go/suspend"
	"github.com/romshark/netfront-go/xenbus"
)

// Options are the collaborators a device is attached to.
type Options struct {
	Store  *xenbus.Store
	Grants *grant.Table
	Events *evtchn.Switch
	// Suspend is optional. When set the device follows its requests.
	Suspend *suspend.Record

	// OnSendComplete is called once per accepted packet, with a nil error
	// when the backend consumed it.
	OnSendComplete func(p *Packet, err error)
	// OnReceive takes ownership of p until p.Release.
	// A nil OnReceive releases packets immediately.
	OnReceive func(p *RxPacket)
}

// Features is the negotiated view of the connection offered to the host.
type Features struct {
	ScatterGather   bool
	ChecksumOffload bool
	// GSOMaxSize is 0 when segmentation offload is not available.
	GSOMaxSize   uint32
	MTU          uint32
	MAC          tcpip.LinkAddress
	PermanentMAC tcpip.LinkAddress
}

// Device is one frontend network device.
// Send may be called from any goroutine.
type Device struct {
	conf   Config
	store  *xenbus.Store
	grants *grant.Table
	events *evtchn.Switch
	sr     *suspend.Record

	onSendComplete func(*Packet, error)
	onReceive      func(*RxPacket)

	state    atomicState
	features atomic.Pointer[Features]
	evt      atomic.Pointer[evtchn.Endpoint]

	// Connection resources, owned by the connect, disconnect and resume
	// paths which never run concurrently.
	session uint64
	txPage  *pagemem.Arena
	rxPage  *pagemem.Arena
	txRef   grant.Ref
	rxRef   grant.Ref
	txBufs  *bufferPool
	rxBufs  *bufferPool
	hdrBufs *bufferPool

	txMu sync.Mutex
	tx   txState

	rxMu sync.Mutex
	rx   rxState

	dpc    dpcState
	txIdle chan struct{}

	srBusy       atomic.Bool
	forceRebuild atomic.Bool

	stats      counters
	violations log.Logger
}

// New creates a disconnected device.
func New(conf Config, opts Options) (*Device, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if opts.Store == nil || opts.Grants == nil || opts.Events == nil {
		return nil, fmt.Errorf("%w: store, grants and events are required",
			ErrInvalidConfig)
	}
	d := &Device{
		conf:           conf,
		store:          opts.Store,
		grants:         opts.Grants,
		events:         opts.Events,
		sr:             opts.Suspend,
		onSendComplete: opts.OnSendComplete,
		onReceive:      opts.OnReceive,
		txRef:          grant.InvalidRef,
		rxRef:          grant.InvalidRef,
		txIdle:         make(chan struct{}, 1),
		dpc:            dpcState{kick: make(chan struct{}, 1)},
		violations:     log.BasicRateLimitedLogger(time.Second),
	}
	d.features.Store(&Features{MTU: conf.MTU})
	return d, nil
}

// Config returns the validated configuration.
func (d *Device) Config() Config { return d.conf }

func (d *Device) State() State { return d.state.Load() }

// Features returns the negotiated features. Before the first Connect only
// MTU is set.
func (d *Device) Features() Features { return *d.features.Load() }

// TxCursors returns a snapshot of the transmit ring indices.
func (d *Device) TxCursors() ring.Cursors {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	if d.tx.ring == nil {
		return ring.Cursors{}
	}
	return d.tx.ring.Cursors()
}

// RxCursors returns a snapshot of the receive ring indices.
func (d *Device) RxCursors() ring.Cursors {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	if d.rx.ring == nil {
		return ring.Cursors{}
	}
	return d.rx.ring.Cursors()
}

// RingRefs returns the grant references of the transmit and receive rings.
func (d *Device) RingRefs() (tx, rx grant.Ref) { return d.txRef, d.rxRef }

// EventPort returns the bound event channel port, or 0 when unbound.
func (d *Device) EventPort() evtchn.Port {
	if e := d.evt.Load(); e != nil {
		return e.Port()
	}
	return 0
}

func (d *Device) notify() {
	if e := d.evt.Load(); e != nil {
		e.Notify()
	}
}

// allocRings maps and grants both ring pages and creates the pools.
// Resources are recorded on d as they are acquired so releaseRings can undo
// a partial allocation.
func (d *Device) allocRings() error {
	var err error
	if d.txPage, err = pagemem.New(1); err != nil {
		return fmt.Errorf("mapping tx ring: %w", err)
	}
	if d.rxPage, err = pagemem.New(1); err != nil {
		return fmt.Errorf("mapping rx ring: %w", err)
	}
	txRing, err := ring.NewFront(d.txPage.Page(0))
	if err != nil {
		return fmt.Errorf("tx ring: %w", err)
	}
	rxRing, err := ring.NewFront(d.rxPage.Page(0))
	if err != nil {
		return fmt.Errorf("rx ring: %w", err)
	}
	var ok bool
	if d.txRef, ok = d.grants.Acquire(d.txPage.Page(0), true); !ok {
		return errors.New("granting tx ring: grant table exhausted")
	}
	if d.rxRef, ok = d.grants.Acquire(d.rxPage.Page(0), true); !ok {
		return errors.New("granting rx ring: grant table exhausted")
	}

	if d.txBufs == nil {
		d.txBufs = newPagePool("tx", d.conf.PoolChunkPages, d.conf.PoolMaxPages)
		d.rxBufs = newPagePool("rx", d.conf.PoolChunkPages, d.conf.PoolMaxPages)
		d.hdrBufs = newHeaderPool("rx-header", MaxPacketHeaderLength,
			d.conf.PoolChunkPages, d.conf.PoolMaxPages)
	}

	d.txMu.Lock()
	d.tx = txState{
		ring:    txRing,
		shadows: newShadowTable[txShadow](int(txRing.Size())),
		scratch: make([]byte, pagemem.PageSize),
		paused:  d.tx.paused,
	}
	d.txMu.Unlock()

	d.rxMu.Lock()
	d.rx = rxState{
		ring:    rxRing,
		posted:  make([]*Buffer, rxRing.Size()),
		target:  d.conf.RxTarget,
		stopped: d.rx.stopped,
	}
	d.rxMu.Unlock()
	return nil
}

// releaseRings undoes allocRings, skipping whatever was never acquired.
// Buffers still on the rings must have been purged first.
func (d *Device) releaseRings() error {
	d.txMu.Lock()
	d.tx.ring = nil
	d.txMu.Unlock()
	d.rxMu.Lock()
	d.rx.ring = nil
	d.rxMu.Unlock()

	if d.txRef != grant.InvalidRef {
		d.grants.Release(d.txRef)
		d.txRef = grant.InvalidRef
	}
	if d.rxRef != grant.InvalidRef {
		d.grants.Release(d.rxRef)
		d.rxRef = grant.InvalidRef
	}
	var errs []error
	if d.txPage != nil {
		errs = append(errs, d.txPage.Close())
		d.txPage = nil
	}
	if d.rxPage != nil {
		errs = append(errs, d.rxPage.Close())
		d.rxPage = nil
	}
	return errors.Join(errs...)
}

// closePools closes the buffer pools. They are recreated on next connect.
func (d *Device) closePools() error {
	if d.txBufs == nil {
		return nil
	}
	err := errors.Join(d.txBufs.close(), d.rxBufs.close(), d.hdrBufs.close())
	d.txBufs, d.rxBufs, d.hdrBufs = nil, nil, nil
	return err
}
