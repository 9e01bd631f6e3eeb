package netfront

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/cenkalti/backoff"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/romshark/netfront-go/pagemem"
	"github.com/romshark/netfront-go/xenbus"
)

// Store keys shared with the backend.
const (
	KeyState           = "state"
	KeyEventChannel    = "event-channel"
	KeyTxRingRef       = "tx-ring-ref"
	KeyRxRingRef       = "rx-ring-ref"
	KeyRequestRxCopy   = "request-rx-copy"
	KeyRequestRxNotify = "request-rx-notify"
	KeyNoCsumOffload   = "feature-no-csum-offload"
	KeyFeatureSG       = "feature-sg"
	KeyFeatureGSOTCP4  = "feature-gso-tcpv4"
	KeyMAC             = "mac"
	KeySession         = "session"
	KeyResumeSession   = "resume-session"
)

// Connect negotiates with the backend and brings the device up.
// On failure every resource acquired so far is released and the frontend
// state is set to Closed.
func (d *Device) Connect(ctx context.Context) (err error) {
	if !d.state.CompareAndSwap(StateDisconnected, StateInitialising) {
		return ErrAlreadyConnected
	}
	defer func() {
		if err == nil {
			return
		}
		log.Warningf("netfront %s: connect failed, rolling back: %v", d.conf.FrontendDir, err)
		if terr := d.teardown(); terr != nil {
			err = errors.Join(err, terr)
		}
		_ = d.store.WriteState(d.conf.FrontendDir, xenbus.StateClosed)
		d.state.Store(StateDisconnected)
	}()

	if err := d.initialise(ctx); err != nil {
		return err
	}
	d.session = d.readSession()
	if err := d.bindEvent(); err != nil {
		return fmt.Errorf("allocating event channel: %w", err)
	}
	if err := d.allocRings(); err != nil {
		return err
	}
	if err := d.negotiate(ctx, 0); err != nil {
		return err
	}
	d.state.Store(StateActive)
	d.startDeferred()

	f := d.Features()
	log.Infof("netfront %s: connected, mac %v sg %t csum %t gso %d mtu %d",
		d.conf.FrontendDir, f.MAC, f.ScatterGather, f.ChecksumOffload, f.GSOMaxSize, f.MTU)
	return nil
}

// Disconnect drains transmit, walks the backend through Closing and Closed
// and releases every resource. When the drain or a backend wait times out
// the teardown is forced and the timeout is returned.
func (d *Device) Disconnect(ctx context.Context) error {
	if !d.state.CompareAndSwap(StateActive, StateDisconnecting) {
		return ErrNotActive
	}
	fe := d.conf.FrontendDir
	log.Infof("netfront %s: disconnecting", fe)

	var errs []error
	forced := false
	drainCtx, cancel := context.WithTimeout(ctx, d.conf.DrainTimeout)
	err := d.waitTxDrained(drainCtx)
	cancel()
	if err != nil {
		forced = true
		errs = append(errs, fmt.Errorf("%w: %w", ErrDrainTimeout, err))
	}

	if err := d.store.WriteState(fe, xenbus.StateClosing); err != nil {
		errs = append(errs, err)
	}
	if !forced {
		if err := d.waitBackend(ctx, xenbus.StateClosing, xenbus.StateClosed); err != nil {
			forced = true
			errs = append(errs, err)
		}
	}
	if err := d.store.WriteState(fe, xenbus.StateClosed); err != nil {
		errs = append(errs, err)
	}
	if !forced {
		if err := d.waitBackend(ctx, xenbus.StateClosed); err != nil {
			forced = true
			errs = append(errs, err)
		}
	}
	if forced {
		d.stats.forcedCloses.Add(1)
		log.Warningf("netfront %s: forcing teardown: %v", fe, errors.Join(errs...))
	}

	errs = append(errs, d.teardown())
	d.state.Store(StateDisconnected)
	log.Infof("netfront %s: disconnected", fe)
	return errors.Join(errs...)
}

// initialise announces the frontend and waits for the backend to be ready
// for ring details.
func (d *Device) initialise(ctx context.Context) error {
	if err := d.store.WriteState(d.conf.FrontendDir, xenbus.StateInitialising); err != nil {
		return fmt.Errorf("writing frontend state: %w", err)
	}
	return d.waitBackend(ctx,
		xenbus.StateInitialising, xenbus.StateInitWait, xenbus.StateInitialised)
}

// negotiate publishes the ring details, reads the backend's features and
// address, fills the receive ring and completes the handshake. A nonzero
// resumeSession asks the backend to keep its ring state.
func (d *Device) negotiate(ctx context.Context, resumeSession uint64) error {
	fe, be := d.conf.FrontendDir, d.conf.BackendDir
	if resumeSession == 0 {
		if err := d.store.Remove(xenbus.Join(fe, KeyResumeSession)); err != nil {
			return fmt.Errorf("clearing resume session: %w", err)
		}
	}
	err := d.store.Transaction(func(tx *xenbus.Txn) error {
		return errors.Join(
			tx.WriteInt(xenbus.Join(fe, KeyEventChannel), int64(d.EventPort())),
			tx.WriteInt(xenbus.Join(fe, KeyTxRingRef), int64(d.txRef)),
			tx.WriteInt(xenbus.Join(fe, KeyRxRingRef), int64(d.rxRef)),
			tx.WriteBool(xenbus.Join(fe, KeyRequestRxCopy), true),
			tx.WriteBool(xenbus.Join(fe, KeyRequestRxNotify), true),
			tx.WriteBool(xenbus.Join(fe, KeyNoCsumOffload), !d.conf.ChecksumOffload),
			tx.WriteBool(xenbus.Join(fe, KeyFeatureSG), d.conf.ScatterGather),
			tx.WriteBool(xenbus.Join(fe, KeyFeatureGSOTCP4), d.conf.LargeSendOffload > 0),
			writeIf(tx, resumeSession != 0, xenbus.Join(fe, KeyResumeSession), resumeSession),
		)
	})
	if err != nil {
		return fmt.Errorf("publishing ring details: %w", err)
	}

	f, err := d.readBackendFeatures(be)
	if err != nil {
		return err
	}
	d.features.Store(f)

	d.setRxStopped(false)
	d.fillRing()

	if err := d.store.WriteState(fe, xenbus.StateConnected); err != nil {
		return fmt.Errorf("writing frontend state: %w", err)
	}
	return d.waitBackend(ctx, xenbus.StateConnected)
}

func writeIf(tx *xenbus.Txn, cond bool, path string, v uint64) error {
	if !cond {
		return nil
	}
	return tx.Write(path, fmt.Sprint(v))
}

// readBackendFeatures computes the negotiated feature set: each offload is
// on only when both ends enable it.
func (d *Device) readBackendFeatures(be string) (*Features, error) {
	backendSG, err := d.store.ReadFeature(xenbus.Join(be, KeyFeatureSG))
	if err != nil {
		return nil, fmt.Errorf("reading backend features: %w", err)
	}
	backendGSO, err := d.store.ReadFeature(xenbus.Join(be, KeyFeatureGSOTCP4))
	if err != nil {
		return nil, fmt.Errorf("reading backend features: %w", err)
	}
	v, err := d.store.Read(xenbus.Join(be, KeyMAC))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingKey, err)
	}
	perm, err := tcpip.ParseMACAddress(v)
	if err != nil {
		return nil, fmt.Errorf("%w: backend mac %q: %w", ErrMissingKey, v, err)
	}

	f := &Features{
		ScatterGather:   d.conf.ScatterGather && backendSG,
		ChecksumOffload: d.conf.ChecksumOffload,
		MTU:             d.conf.MTU,
		PermanentMAC:    perm,
		MAC:             perm,
	}
	if d.conf.MAC != "" {
		if mac, err := tcpip.ParseMACAddress(d.conf.MAC); err == nil && locallyAdministered(mac) {
			f.MAC = mac
		}
	}
	if backendGSO {
		f.GSOMaxSize = clipGSO(d.conf.LargeSendOffload, f.ScatterGather)
	}
	if !f.ScatterGather {
		f.MTU = min(f.MTU, uint32(pagemem.PageSize-ethHeaderLength))
	}
	return f, nil
}

// readSession returns the backend instance id, or 0 when it has none.
func (d *Device) readSession() uint64 {
	s, err := d.store.ReadUint(xenbus.Join(d.conf.BackendDir, KeySession))
	if err != nil {
		return 0
	}
	return s
}

// waitBackend polls the backend state until it is one of states, bounded by
// BackendWaitRetries x BackendWaitInterval and ctx.
func (d *Device) waitBackend(ctx context.Context, states ...xenbus.State) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(d.conf.BackendWaitInterval),
			d.conf.BackendWaitRetries),
		ctx)
	var last xenbus.State
	err := backoff.Retry(func() error {
		last = d.store.ReadState(d.conf.BackendDir)
		if slices.Contains(states, last) {
			return nil
		}
		return fmt.Errorf("backend is %v", last)
	}, b)
	if err != nil {
		return fmt.Errorf("%w: want %v: %w", ErrBackendTimeout, states, err)
	}
	return nil
}

func (d *Device) bindEvent() error {
	e, err := d.events.AllocUnbound()
	if err != nil {
		return err
	}
	d.evt.Store(e)
	return nil
}

// teardown stops the deferred task and releases every connection resource
// in reverse order of acquisition.
func (d *Device) teardown() error {
	d.stopDeferred()
	var errs []error
	if e := d.evt.Swap(nil); e != nil {
		errs = append(errs, e.Close())
	}
	d.purgeTx()
	d.purgeRx()
	errs = append(errs, d.releaseRings(), d.closePools())

	d.txMu.Lock()
	d.tx = txState{}
	d.txMu.Unlock()
	d.rxMu.Lock()
	d.rx = rxState{}
	d.rxMu.Unlock()
	d.session = 0
	d.features.Store(&Features{MTU: d.conf.MTU})
	return errors.Join(errs...)
}
