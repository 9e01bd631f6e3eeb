// Package ifacestat snapshots and prints device counters.
package ifacestat

import (
	"fmt"
	"io"
	"slices"

	"github.com/dustin/go-humanize"

	"github.com/romshark/netfront-go/netfront"
)

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	TxBusy
	TxDropped
	TxErrors
	TxCoalesced
	TxGSO
	RxPackets
	RxBytes
	RxErrors
	RxDropped
	RxSplit
	RxMulticast
	RxBroadcast
)

// All lists every counter in display order.
var All = []Counter{
	TxPackets, TxBytes, TxBusy, TxDropped, TxErrors, TxCoalesced, TxGSO,
	RxPackets, RxBytes, RxErrors, RxDropped, RxSplit, RxMulticast, RxBroadcast,
}

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case TxBusy:
		return "tx_busy"
	case TxDropped:
		return "tx_dropped"
	case TxErrors:
		return "tx_errors"
	case TxCoalesced:
		return "tx_coalesced"
	case TxGSO:
		return "tx_gso"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case RxErrors:
		return "rx_errors"
	case RxDropped:
		return "rx_dropped"
	case RxSplit:
		return "rx_split"
	case RxMulticast:
		return "rx_multicast"
	case RxBroadcast:
		return "rx_broadcast"
	}
	return ""
}

func (c Counter) value(s netfront.Stats) uint64 {
	switch c {
	case TxPackets:
		return s.TxPackets
	case TxBytes:
		return s.TxBytes
	case TxBusy:
		return s.TxBusy
	case TxDropped:
		return s.TxDropped
	case TxErrors:
		return s.TxErrors
	case TxCoalesced:
		return s.TxCoalesced
	case TxGSO:
		return s.TxGSO
	case RxPackets:
		return s.RxPackets
	case RxBytes:
		return s.RxBytes
	case RxErrors:
		return s.RxErrors
	case RxDropped:
		return s.RxDropped
	case RxSplit:
		return s.RxSplit
	case RxMulticast:
		return s.RxMulticast
	case RxBroadcast:
		return s.RxBroadcast
	}
	return 0
}

// Source is anything exposing device counters, typically *netfront.Device.
type Source interface {
	Stats() netfront.Stats
}

// Per-device values.
type IfaceStats map[Counter]uint64

// Multi-device stats.
type Stats map[string]IfaceStats

// Snapshot reads counters from every named source.
// With no counters given, all are read.
func Snapshot(sources map[string]Source, counters ...Counter) Stats {
	if len(counters) == 0 {
		counters = All
	}
	s := make(Stats, len(sources))
	for name, src := range sources {
		st := src.Stats()
		vals := make(IfaceStats, len(counters))
		for _, c := range counters {
			vals[c] = c.value(st)
		}
		s[name] = vals
	}
	return s
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

// Print writes one block per device, sorted by name. Packet and byte totals
// come first, then every other nonzero counter.
func Print(w io.Writer, s Stats, aliases map[string]string) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]

		txPkts := stats[TxPackets]
		txBytes := stats[TxBytes]
		rxPkts := stats[RxPackets]
		rxBytes := stats[RxBytes]

		var err error
		if alias, ok := aliases[iface]; ok {
			_, err = fmt.Fprintf(w, "%s (%s):\n", iface, alias)
		} else {
			_, err = fmt.Fprintf(w, "%s :\n", iface)
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
			txPkts, humanize.Bytes(txBytes), humanize.Comma(int64(txBytes)),
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
			rxPkts, humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
		)
		for _, c := range All {
			switch c {
			case TxPackets, TxBytes, RxPackets, RxBytes:
				continue
			}
			if v := stats[c]; v != 0 {
				fmt.Fprintf(w, "  %-14s %s\n", c.String()+":", humanize.Comma(int64(v)))
			}
		}
	}

	return nil
}
