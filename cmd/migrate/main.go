// Command migrate runs traffic through the loopback backend while driving
// repeated suspend and resume cycles, optionally moving to a new backend
// instance on each resume.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/netfront-go/evtchn"
	"github.com/romshark/netfront-go/grant"
	"github.com/romshark/netfront-go/ifacestat"
	"github.com/romshark/netfront-go/netback"
	"github.com/romshark/netfront-go/netfront"
	"github.com/romshark/netfront-go/ratelimit"
	"github.com/romshark/netfront-go/suspend"
	"github.com/romshark/netfront-go/xenbus"
)

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func udpFrame(src, dst tcpip.LinkAddress, size int, seq uint32) []byte {
	b := make([]byte, size)
	header.Ethernet(b).Encode(&header.EthernetFields{
		SrcAddr: src,
		DstAddr: dst,
		Type:    header.IPv4ProtocolNumber,
	})
	ip := header.IPv4(b[header.EthernetMinimumSize:])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(ip)),
		ID:          uint16(seq),
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     tcpip.AddrFrom4([4]byte{10, 0, 0, 1}),
		DstAddr:     tcpip.AddrFrom4([4]byte{10, 0, 0, 2}),
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	header.UDP(ip[header.IPv4MinimumSize:]).Encode(&header.UDPFields{
		SrcPort: 9000,
		DstPort: 9001,
		Length:  uint16(len(ip) - header.IPv4MinimumSize),
	})
	return b
}

func main() {
	fConfig := flag.String("config", "", "path to frontend config YAML file")
	fCycles := flag.Int("cycles", 5, "suspend and resume cycles")
	fMigrate := flag.Bool("migrate", false, "move to a new backend instance on every other resume")
	fTrust := flag.Bool("trust", true, "keep rings across resume when the backend session is unchanged")
	fInterval := flag.Duration("i", 200*time.Millisecond, "time between cycles")
	fRate := flag.Uint64("r", 20_000, "rate limit in packets per second")
	fPktSize := flag.Int("l", 512, "pkt size")
	fVerbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	log.SetLevel(log.Warning)
	if *fVerbose {
		log.SetLevel(log.Info)
	}

	conf := netfront.DefaultConfig()
	if *fConfig != "" {
		var err error
		conf, err = netfront.LoadConfig(*fConfig)
		fatalIf(err, "reading config")
	}
	conf.TrustSessionOnResume = *fTrust

	store := xenbus.NewStore()
	grants := grant.NewTable(0)
	events := evtchn.NewSwitch(0)
	rec := suspend.NewRecord()

	back, err := netback.New(netback.DefaultConfig(), store, grants, events)
	fatalIf(err, "creating backend")
	fatalIf(back.Start(context.Background()), "starting backend")
	defer back.Close()

	var sent, completed, failed, received atomic.Uint64
	dev, err := netfront.New(conf, netfront.Options{
		Store:   store,
		Grants:  grants,
		Events:  events,
		Suspend: rec,
		OnSendComplete: func(_ *netfront.Packet, err error) {
			completed.Add(1)
			if err != nil {
				failed.Add(1)
			}
		},
		OnReceive: func(p *netfront.RxPacket) {
			received.Add(1)
			p.Release()
		},
	})
	fatalIf(err, "creating device")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	fatalIf(dev.Connect(ctx), "connecting")
	f := dev.Features()
	fmt.Fprintf(os.Stderr, "connected: session=%d mac=%v\n", back.Session(), f.MAC)

	before := ifacestat.Snapshot(map[string]ifacestat.Source{"vif0": dev})
	size := min(max(*fPktSize, 64), int(f.MTU)+header.EthernetMinimumSize)

	g, gctx := errgroup.WithContext(ctx)
	trafficCtx, stopTraffic := context.WithCancel(gctx)
	defer stopTraffic()

	g.Go(func() error {
		limiter := ratelimit.New(*fRate)
		for seq := uint32(0); ; seq++ {
			if err := limiter.ThrottleN(trafficCtx, 1); err != nil {
				return nil
			}
			p := &netfront.Packet{Frags: [][]byte{udpFrame(f.MAC, f.PermanentMAC, size, seq)}}
			for !dev.Send(p) {
				if trafficCtx.Err() != nil {
					return nil
				}
				runtime.Gosched()
			}
			sent.Add(1)
		}
	})

	g.Go(func() error {
		defer stopTraffic()
		for i := range *fCycles {
			time.Sleep(*fInterval)
			if err := back.Suspend(gctx, rec); err != nil {
				return fmt.Errorf("cycle %d: suspend: %w", i, err)
			}
			migrate := *fMigrate && i%2 == 1
			if err := back.Resume(gctx, rec, migrate); err != nil {
				return fmt.Errorf("cycle %d: resume: %w", i, err)
			}
			s := dev.Stats()
			fmt.Printf("cycle=%d migrate=%t session=%d state=%v resumes=%d full=%d sent=%d received=%d\n",
				i, migrate, back.Session(), dev.State(), s.Resumes, s.FullResumes,
				sent.Load(), received.Load())
		}
		time.Sleep(*fInterval)
		return nil
	})

	fatalIf(g.Wait(), "running")
	after := ifacestat.Snapshot(map[string]ifacestat.Source{"vif0": dev})

	if dev.State() == netfront.StateActive {
		if err := dev.Disconnect(ctx); err != nil {
			log.Warningf("disconnect: %v", err)
		}
	}

	s := dev.Stats()
	p := message.NewPrinter(language.English)
	p.Print("\nFINAL REPORT\n")
	p.Printf(" Sent:              %d packets\n", sent.Load())
	p.Printf(" Completed:         %d (%d failed)\n", completed.Load(), failed.Load())
	p.Printf(" Received:          %d packets\n", received.Load())
	p.Printf(" Resumes:           %d (%d full)\n", s.Resumes, s.FullResumes)
	p.Printf(" Forced closes:     %d\n", s.ForcedCloses)
	p.Printf(" Grants in use:     %d\n", grants.Stats().InUse)

	fmt.Fprintln(os.Stderr, "\nDEVICE COUNTERS")
	fatalIf(ifacestat.Print(os.Stderr, after.Since(before), nil), "printing counters")
}
