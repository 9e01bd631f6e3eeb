package netfront

import (
	"context"
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/log"

	"github.com/romshark/netfront-go/suspend"
	"github.com/romshark/netfront-go/xenbus"
)

// checkSuspend starts the suspend worker when the platform has a request
// the device has not acknowledged. At most one worker runs at a time.
func (d *Device) checkSuspend() {
	if d.sr == nil || !d.sr.Pending() {
		return
	}
	if !d.srBusy.CompareAndSwap(false, true) {
		return
	}
	go d.suspendWorker()
}

func (d *Device) suspendWorker() {
	for {
		switch d.sr.Requested() {
		case suspend.Suspending:
			d.suspendDevice()
		case suspend.Resuming:
			d.resumeDevice()
		case suspend.Running:
			d.sr.Ack(suspend.Running)
		}
		d.srBusy.Store(false)
		if !d.sr.Pending() || !d.srBusy.CompareAndSwap(false, true) {
			return
		}
	}
}

// suspendDevice quiesces transmit and receive before acknowledging.
func (d *Device) suspendDevice() {
	fe := d.conf.FrontendDir
	if d.state.Load() != StateActive {
		d.sr.Ack(suspend.Suspending)
		return
	}
	log.Infof("netfront %s: suspending", fe)
	d.setTxPaused(true)
	ctx, cancel := context.WithTimeout(context.Background(), d.conf.DrainTimeout)
	err := d.waitTxDrained(ctx)
	cancel()
	if err != nil {
		// Cursors can no longer be trusted across the suspend.
		d.forceRebuild.Store(true)
		log.Warningf("netfront %s: suspending with transmit in flight: %v", fe, err)
	}
	d.setRxStopped(true)
	d.sr.Ack(suspend.Suspending)
}

func (d *Device) resumeDevice() {
	fe := d.conf.FrontendDir
	if d.state.Load() != StateActive {
		d.sr.Ack(suspend.Resuming)
		return
	}
	if err := d.resume(context.Background()); err != nil {
		log.Warningf("netfront %s: resume failed, tearing down: %v", fe, err)
		d.state.Store(StateDisconnecting)
		if terr := d.teardown(); terr != nil {
			log.Warningf("netfront %s: %v", fe, terr)
		}
		_ = d.store.WriteState(fe, xenbus.StateClosed)
		d.state.Store(StateDisconnected)
	}
	d.sr.Ack(suspend.Resuming)
}

// resume reconnects after a suspend. The rings, grants and event channel
// survive when the session is trusted and the backend instance is the one
// seen at connect; otherwise they are rebuilt.
func (d *Device) resume(ctx context.Context) error {
	fe := d.conf.FrontendDir
	d.setTxPaused(true)
	if err := d.initialise(ctx); err != nil {
		return err
	}
	session := d.readSession()
	rebuild := d.forceRebuild.Swap(false)
	fast := d.conf.TrustSessionOnResume && !rebuild &&
		session != 0 && session == d.session

	var resumeID uint64
	if fast {
		resumeID = session
	} else {
		if err := d.rebuildRings(); err != nil {
			return fmt.Errorf("rebuilding rings: %w", err)
		}
		d.session = session
	}
	if err := d.negotiate(ctx, resumeID); err != nil {
		return err
	}
	d.setTxPaused(false)
	d.kickDeferred()

	d.stats.resumes.Add(1)
	path := "fast"
	if !fast {
		d.stats.fullResumes.Add(1)
		path = "full"
	}
	log.Infof("netfront %s: resumed on the %s path, session %d", fe, path, session)
	return nil
}

// rebuildRings drops every posted buffer and replaces the rings, their
// grants and the event channel. The buffer pools are kept.
func (d *Device) rebuildRings() error {
	d.purgeTx()
	d.purgeRx()
	var errs []error
	if e := d.evt.Swap(nil); e != nil {
		errs = append(errs, e.Close())
	}
	errs = append(errs, d.releaseRings())
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if err := d.bindEvent(); err != nil {
		return fmt.Errorf("allocating event channel: %w", err)
	}
	if err := d.allocRings(); err != nil {
		return err
	}
	d.kickDeferred()
	return nil
}
