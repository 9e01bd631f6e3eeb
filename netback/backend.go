// Package netback is an in-process loopback backend for netfront devices.
// Every frame the frontend transmits is looped back onto its receive ring,
// segmented or checksummed in software as the negotiated features require.
package netback

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/log"

	"github.com/romshark/netfront-go/evtchn"
	"github.com/romshark/netfront-go/grant"
	"github.com/romshark/netfront-go/ring"
	"github.com/romshark/netfront-go/suspend"
	"github.com/romshark/netfront-go/xenbus"
)

// Store keys, mirroring the frontend's.
const (
	keyEventChannel  = "event-channel"
	keyTxRingRef     = "tx-ring-ref"
	keyRxRingRef     = "rx-ring-ref"
	keyNoCsumOffload = "feature-no-csum-offload"
	keyFeatureSG     = "feature-sg"
	keyFeatureGSO    = "feature-gso-tcpv4"
	keyMAC           = "mac"
	keySession       = "session"
	keyResumeSession = "resume-session"
)

var ErrNotStarted = errors.New("backend not started")

// Stats is a snapshot of backend counters.
type Stats struct {
	TxPackets uint64
	TxBytes   uint64
	TxErrors  uint64
	RxPackets uint64
	RxBytes   uint64
	RxDropped uint64
	Segmented uint64
	Connects  uint64
}

type counters struct {
	txPackets, txBytes, txErrors atomic.Uint64
	rxPackets, rxBytes, rxDropped atomic.Uint64
	segmented, connects          atomic.Uint64
}

// Backend serves one frontend directory. All ring work happens on a single
// goroutine started by Start.
type Backend struct {
	conf   Config
	store  *xenbus.Store
	grants *grant.Table
	events *evtchn.Switch

	session atomic.Uint64
	// paused stops ring access from an acknowledged suspend until the
	// frontend reconnects.
	paused  atomic.Bool
	stalled atomic.Bool
	kick    chan struct{}
	migrate chan chan error

	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the run goroutine.
	state   xenbus.State
	conn    *conn
	backlog []frame

	stats counters
}

// conn is the per-connection ring state.
type conn struct {
	tx, rx    *ring.Back
	evt       *evtchn.Endpoint
	txRef     grant.Ref
	rxRef     grant.Ref
	frontPort evtchn.Port

	frontSG   bool
	frontGSO  bool
	frontCsum bool

	// txGroup collects the slots of a packet not yet fully published.
	txGroup []ring.Slot
}

// frame is a packet waiting for receive buffers.
type frame struct {
	data    []byte
	flags   uint16
	gsoSize uint16
}

func New(conf Config, store *xenbus.Store, grants *grant.Table, events *evtchn.Switch) (*Backend, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	b := &Backend{
		conf:    conf,
		store:   store,
		grants:  grants,
		events:  events,
		kick:    make(chan struct{}, 1),
		migrate: make(chan chan error),
	}
	b.session.Store(conf.Session)
	return b, nil
}

func (b *Backend) Config() Config { return b.conf }

// Session returns the current backend instance id.
func (b *Backend) Session() uint64 { return b.session.Load() }

// Start publishes the backend's features and starts serving.
func (b *Backend) Start(ctx context.Context) error {
	if err := b.publish(); err != nil {
		return err
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	w := b.store.Watch(b.conf.FrontendDir)
	go b.run(ctx, w)
	return nil
}

// Close stops the backend and unbinds its event channel.
func (b *Backend) Close() error {
	if b.cancel == nil {
		return ErrNotStarted
	}
	b.cancel()
	<-b.done
	return nil
}

// Stall stops or restarts ring processing, leaving requests unanswered.
func (b *Backend) Stall(stalled bool) {
	b.stalled.Store(stalled)
	b.poke()
}

// Migrate replaces the backend with a fresh instance: the connection is
// dropped and a new session is published. The frontend has to be suspended.
func (b *Backend) Migrate(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case b.migrate <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Suspend asks the frontend to quiesce through rec and stops touching the
// rings once it acknowledges.
func (b *Backend) Suspend(ctx context.Context, rec *suspend.Record) error {
	rec.Request(suspend.Suspending)
	if err := rec.WaitAcked(ctx, suspend.Suspending); err != nil {
		return err
	}
	b.paused.Store(true)
	return nil
}

// Resume lets the frontend reconnect and waits until it runs again. With
// migrate the frontend finds a new backend instance.
func (b *Backend) Resume(ctx context.Context, rec *suspend.Record, migrate bool) error {
	if migrate {
		if err := b.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
	}
	for _, s := range []suspend.State{suspend.Resuming, suspend.Running} {
		rec.Request(s)
		if err := rec.WaitAcked(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Stats() Stats {
	c := &b.stats
	return Stats{
		TxPackets: c.txPackets.Load(),
		TxBytes:   c.txBytes.Load(),
		TxErrors:  c.txErrors.Load(),
		RxPackets: c.rxPackets.Load(),
		RxBytes:   c.rxBytes.Load(),
		RxDropped: c.rxDropped.Load(),
		Segmented: c.segmented.Load(),
		Connects:  c.connects.Load(),
	}
}

func (b *Backend) poke() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// publish writes the features, address and session and enters InitWait.
func (b *Backend) publish() error {
	be := b.conf.BackendDir
	err := b.store.Transaction(func(tx *xenbus.Txn) error {
		return errors.Join(
			tx.WriteBool(xenbus.Join(be, keyFeatureSG), b.conf.ScatterGather),
			tx.WriteBool(xenbus.Join(be, keyFeatureGSO), b.conf.GSO),
			tx.Write(xenbus.Join(be, keyMAC), b.conf.MAC),
			tx.Write(xenbus.Join(be, keySession), fmt.Sprint(b.session.Load())),
		)
	})
	if err != nil {
		return fmt.Errorf("publishing backend features: %w", err)
	}
	return b.setState(xenbus.StateInitWait)
}

func (b *Backend) setState(s xenbus.State) error {
	b.state = s
	if err := b.store.WriteState(b.conf.BackendDir, s); err != nil {
		return fmt.Errorf("writing backend state: %w", err)
	}
	log.Debugf("netback %s: %v", b.conf.BackendDir, s)
	return nil
}

func (b *Backend) run(ctx context.Context, w *xenbus.Watch) {
	defer close(b.done)
	defer w.Close()
	defer b.dropConn()
	for {
		var evtC <-chan struct{}
		if b.conn != nil {
			evtC = b.conn.evt.C()
		}
		select {
		case <-ctx.Done():
			return
		case <-w.C():
			if err := b.frontendChanged(); err != nil {
				log.Warningf("netback %s: %v", b.conf.BackendDir, err)
			}
		case reply := <-b.migrate:
			reply <- b.doMigrate()
		case <-evtC:
		case <-b.kick:
		}
		b.serve()
	}
}

// frontendChanged follows the frontend's state machine.
func (b *Backend) frontendChanged() error {
	switch fe := b.store.ReadState(b.conf.FrontendDir); fe {
	case xenbus.StateInitialising:
		if b.state != xenbus.StateInitWait {
			return b.publish()
		}
	case xenbus.StateConnected:
		if b.state == xenbus.StateConnected {
			return nil
		}
		if err := b.connect(); err != nil {
			b.dropConn()
			_ = b.setState(xenbus.StateClosing)
			return fmt.Errorf("connecting: %w", err)
		}
		return b.setState(xenbus.StateConnected)
	case xenbus.StateClosing:
		if b.state != xenbus.StateClosing && b.state != xenbus.StateClosed {
			return b.setState(xenbus.StateClosing)
		}
	case xenbus.StateClosed:
		if b.state != xenbus.StateClosed {
			b.dropConn()
			return b.setState(xenbus.StateClosed)
		}
	}
	return nil
}

// connect maps the frontend's rings. A frontend resuming into this session
// with unchanged ring details keeps the existing connection and cursors.
func (b *Backend) connect() error {
	fe := b.conf.FrontendDir
	txRef, err := b.store.ReadUint(xenbus.Join(fe, keyTxRingRef))
	if err != nil {
		return err
	}
	rxRef, err := b.store.ReadUint(xenbus.Join(fe, keyRxRingRef))
	if err != nil {
		return err
	}
	port, err := b.store.ReadUint(xenbus.Join(fe, keyEventChannel))
	if err != nil {
		return err
	}
	sg, _ := b.store.ReadFeature(xenbus.Join(fe, keyFeatureSG))
	gso, _ := b.store.ReadFeature(xenbus.Join(fe, keyFeatureGSO))
	noCsum, _ := b.store.ReadFeature(xenbus.Join(fe, keyNoCsumOffload))
	resume, _ := b.store.ReadUint(xenbus.Join(fe, keyResumeSession))

	c := b.conn
	if c != nil && resume != 0 && resume == b.session.Load() &&
		c.txRef == grant.Ref(txRef) && c.rxRef == grant.Ref(rxRef) &&
		c.frontPort == evtchn.Port(port) {
		c.frontSG, c.frontGSO, c.frontCsum = sg, gso, !noCsum
		b.paused.Store(false)
		log.Infof("netback %s: frontend resumed session %d", b.conf.BackendDir, resume)
		return nil
	}
	b.dropConn()

	txPage, err := b.grants.Map(grant.Ref(txRef), true)
	if err != nil {
		return fmt.Errorf("mapping tx ring: %w", err)
	}
	rxPage, err := b.grants.Map(grant.Ref(rxRef), true)
	if err != nil {
		return fmt.Errorf("mapping rx ring: %w", err)
	}
	txRing, err := ring.NewBack(txPage)
	if err != nil {
		return err
	}
	rxRing, err := ring.NewBack(rxPage)
	if err != nil {
		return err
	}
	evt, err := b.events.BindInterdomain(evtchn.Port(port))
	if err != nil {
		return fmt.Errorf("binding event channel: %w", err)
	}
	b.conn = &conn{
		tx:        txRing,
		rx:        rxRing,
		evt:       evt,
		txRef:     grant.Ref(txRef),
		rxRef:     grant.Ref(rxRef),
		frontPort: evtchn.Port(port),
		frontSG:   sg,
		frontGSO:  gso,
		frontCsum: !noCsum,
	}
	b.paused.Store(false)
	b.stats.connects.Add(1)
	log.Infof("netback %s: connected, sg %t gso %t csum %t",
		b.conf.BackendDir, sg, gso, !noCsum)
	return nil
}

func (b *Backend) dropConn() {
	if b.conn == nil {
		return
	}
	if err := b.conn.evt.Close(); err != nil {
		log.Warningf("netback %s: closing event channel: %v", b.conf.BackendDir, err)
	}
	b.conn = nil
	b.stats.rxDropped.Add(uint64(len(b.backlog)))
	b.backlog = nil
}

func (b *Backend) doMigrate() error {
	b.dropConn()
	old := b.session.Load()
	s := newSession()
	for s == old {
		s = newSession()
	}
	b.session.Store(s)
	log.Infof("netback %s: migrated, session %d", b.conf.BackendDir, s)
	return b.publish()
}

// serve processes both rings until no request or deliverable frame is left.
func (b *Backend) serve() {
	c := b.conn
	if c == nil || b.state != xenbus.StateConnected || b.paused.Load() || b.stalled.Load() {
		return
	}
	for {
		b.serveTx(c)
		moved := b.serveRx(c)
		if c.tx.FinalCheckForRequests() {
			continue
		}
		if len(b.backlog) == 0 {
			return
		}
		// Arm req_event so a refill notifies us.
		if c.rx.FinalCheckForRequests() && moved > 0 {
			continue
		}
		return
	}
}
