package netfront

// dpcState controls the deferred task goroutine. kick is created with the
// device and outlives restarts.
type dpcState struct {
	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

func (d *Device) startDeferred() {
	d.dpc.stop = make(chan struct{})
	d.dpc.done = make(chan struct{})
	go d.runDeferred(d.dpc.kick, d.dpc.stop, d.dpc.done)
	d.checkSuspend()
}

func (d *Device) stopDeferred() {
	if d.dpc.stop == nil {
		return
	}
	close(d.dpc.stop)
	<-d.dpc.done
	d.dpc.stop, d.dpc.done = nil, nil
}

// kickDeferred schedules another pass of the deferred task.
func (d *Device) kickDeferred() {
	select {
	case d.dpc.kick <- struct{}{}:
	default:
	}
}

// runDeferred services event channel notifications: transmit reclaim
// followed by a receive pass. It also dispatches suspend requests.
func (d *Device) runDeferred(kick, stop, done chan struct{}) {
	defer close(done)
	var bell <-chan struct{}
	if d.sr != nil {
		bell = d.sr.Doorbell()
	}
	// rerun is set while a receive pass cut short by its budget has
	// scheduled another one; reclaim then leaves the watermark alone.
	rerun := false
	for {
		var evtC <-chan struct{}
		if e := d.evt.Load(); e != nil {
			evtC = e.C()
		}
		select {
		case <-stop:
			return
		case <-bell:
			d.checkSuspend()
		case <-evtC:
		case <-kick:
		}
		skipped := rerun
		d.txReclaim(skipped)
		rerun = d.rxDrain()
		switch {
		case rerun:
			d.kickDeferred()
		case skipped:
			d.txReclaim(false)
		}
	}
}
