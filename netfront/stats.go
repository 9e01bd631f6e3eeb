package netfront

import "sync/atomic"

// Stats is a snapshot of device counters.
type Stats struct {
	TxPackets   uint64
	TxBytes     uint64
	TxBusy      uint64
	TxDropped   uint64
	TxErrors    uint64
	TxCoalesced uint64
	TxGSO       uint64

	RxPackets   uint64
	RxBytes     uint64
	RxErrors    uint64
	RxDropped   uint64
	RxSplit     uint64
	RxMulticast uint64
	RxBroadcast uint64

	Resumes      uint64
	FullResumes  uint64
	ForcedCloses uint64
}

type counters struct {
	txPackets, txBytes, txBusy, txDropped, txErrors atomic.Uint64
	txCoalesced, txGSO                              atomic.Uint64

	rxPackets, rxBytes, rxErrors, rxDropped atomic.Uint64
	rxSplit, rxMulticast, rxBroadcast       atomic.Uint64

	resumes, fullResumes, forcedCloses atomic.Uint64
}

func (d *Device) Stats() Stats {
	c := &d.stats
	return Stats{
		TxPackets:    c.txPackets.Load(),
		TxBytes:      c.txBytes.Load(),
		TxBusy:       c.txBusy.Load(),
		TxDropped:    c.txDropped.Load(),
		TxErrors:     c.txErrors.Load(),
		TxCoalesced:  c.txCoalesced.Load(),
		TxGSO:        c.txGSO.Load(),
		RxPackets:    c.rxPackets.Load(),
		RxBytes:      c.rxBytes.Load(),
		RxErrors:     c.rxErrors.Load(),
		RxDropped:    c.rxDropped.Load(),
		RxSplit:      c.rxSplit.Load(),
		RxMulticast:  c.rxMulticast.Load(),
		RxBroadcast:  c.rxBroadcast.Load(),
		Resumes:      c.resumes.Load(),
		FullResumes:  c.fullResumes.Load(),
		ForcedCloses: c.forcedCloses.Load(),
	}
}
