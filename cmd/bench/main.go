// Command bench measures frontend throughput against the in-process loopback
// backend. Every frame sent is reflected back and counted on receive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/romshark/netfront-go/evtchn"
	"github.com/romshark/netfront-go/grant"
	"github.com/romshark/netfront-go/ifacestat"
	"github.com/romshark/netfront-go/netback"
	"github.com/romshark/netfront-go/netfront"
	"github.com/romshark/netfront-go/ratelimit"
	"github.com/romshark/netfront-go/xenbus"
)

type Config struct {
	Frontend netfront.Config `yaml:"frontend"`
	Backend  netback.Config  `yaml:"backend"`

	Traffic struct {
		SrcIP   string `yaml:"src-ip"` // Not CLI-overwritable.
		DstIP   string `yaml:"dst-ip"`
		SrcPort int    `yaml:"src-port"`
		DstPort int    `yaml:"dst-port"`
		// MSS above zero sends TCP frames with segmentation offload.
		MSS uint16 `yaml:"mss"`
		// Frags splits each frame into this many fragments.
		Frags int `yaml:"frags"`
		// InFlight bounds packets handed to the device but not completed.
		InFlight int `yaml:"in-flight"`
	} `yaml:"traffic"`

	PktSize uint64 `yaml:"pkt-size"`
	Count   uint64 `yaml:"count"`
	RatePPS uint64 `yaml:"rate-pps"`

	Grants int `yaml:"grants"`
}

func defaultConfig() Config {
	c := Config{
		Frontend: netfront.DefaultConfig(),
		Backend:  netback.DefaultConfig(),
		PktSize:  1500,
		Count:    1_000_000,
	}
	c.Traffic.SrcIP, c.Traffic.DstIP = "10.0.0.1", "10.0.0.2"
	c.Traffic.SrcPort, c.Traffic.DstPort = 9000, 9001
	c.Traffic.Frags = 1
	c.Traffic.InFlight = 1024
	return c
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fCount := flag.Uint64("n", 0, "packet count")
	fPktSize := flag.Uint64("l", 0, "pkt size")
	fRate := flag.Uint64("r", 0, "rate limit in packets per second")
	fMSS := flag.Uint("mss", 0, "send TCP with segmentation offload at this mss")
	fFrags := flag.Int("f", 0, "fragments per frame")
	fDstIP := flag.String("D", "", "dst ip")
	fPort := flag.Int("p", 0, "dst port")
	fNoSG := flag.Bool("no-sg", false, "disable scatter-gather on both ends")
	fSegment := flag.Bool("segment-rx", false, "segment GSO frames in the backend")
	fVerbose := flag.Bool("v", false, "verbose logging")

	flag.Parse()

	log.SetLevel(log.Warning)
	if *fVerbose {
		log.SetLevel(log.Debug)
	}

	conf := defaultConfig()
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// Apply CLI overrides if necessary.
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fPktSize != 0 {
		conf.PktSize = *fPktSize
	}
	if *fRate != 0 {
		conf.RatePPS = *fRate
	}
	if *fMSS != 0 {
		conf.Traffic.MSS = uint16(*fMSS)
	}
	if *fFrags != 0 {
		conf.Traffic.Frags = *fFrags
	}
	if *fDstIP != "" {
		conf.Traffic.DstIP = *fDstIP
	}
	if *fPort != 0 {
		conf.Traffic.DstPort = *fPort
	}
	if *fNoSG {
		conf.Frontend.ScatterGather, conf.Backend.ScatterGather = false, false
	}
	if *fSegment {
		conf.Backend.SegmentRx = true
	}

	// Validate

	if err := conf.Frontend.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("frontend: %w", err)
	}
	if err := conf.Backend.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}
	if a, err := netip.ParseAddr(conf.Traffic.SrcIP); err != nil || !a.Is4() {
		return nil, fmt.Errorf("invalid traffic.src-ip %q", conf.Traffic.SrcIP)
	}
	if a, err := netip.ParseAddr(conf.Traffic.DstIP); err != nil || !a.Is4() {
		return nil, fmt.Errorf("invalid traffic.dst-ip %q", conf.Traffic.DstIP)
	}
	if conf.Traffic.DstPort <= 0 || conf.Traffic.DstPort > 65535 {
		return nil, errors.New("traffic.dst-port must be between 1-65535")
	}
	if conf.Traffic.SrcPort <= 0 || conf.Traffic.SrcPort > 65535 {
		return nil, errors.New("traffic.src-port must be between 1-65535")
	}
	if conf.Traffic.Frags < 1 {
		return nil, errors.New("traffic.frags must be > 0")
	}
	if conf.Traffic.InFlight < 1 {
		return nil, errors.New("traffic.in-flight must be > 0")
	}
	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}
	if conf.PktSize < minFrameSize || conf.PktSize > 0xffff {
		return nil, errors.New("unsupported pkt-size")
	}
	if conf.Traffic.MSS == 0 && conf.PktSize > uint64(conf.Frontend.MTU)+header.EthernetMinimumSize {
		return nil, fmt.Errorf("pkt-size %d exceeds mtu %d without mss",
			conf.PktSize, conf.Frontend.MTU)
	}

	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

const minFrameSize = header.EthernetMinimumSize + header.IPv4MinimumSize + header.TCPMinimumSize + 4

type endpoints struct {
	srcMAC, dstMAC   tcpip.LinkAddress
	srcIP, dstIP     tcpip.Address
	srcPort, dstPort uint16
}

// buildFrame writes a UDP frame, or a TCP frame when tcp is set, of
// len(buf) bytes. The L4 checksum is left blank for the device to fill.
func buildFrame(buf []byte, ep *endpoints, seq uint32, tcp bool) {
	header.Ethernet(buf).Encode(&header.EthernetFields{
		SrcAddr: ep.srcMAC,
		DstAddr: ep.dstMAC,
		Type:    header.IPv4ProtocolNumber,
	})

	proto := header.UDPProtocolNumber
	if tcp {
		proto = header.TCPProtocolNumber
	}
	ip := header.IPv4(buf[header.EthernetMinimumSize:])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(ip)),
		ID:          uint16(seq),
		TTL:         64,
		Protocol:    uint8(proto),
		SrcAddr:     ep.srcIP,
		DstAddr:     ep.dstIP,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	l4 := ip[header.IPv4MinimumSize:]
	if tcp {
		header.TCP(l4).Encode(&header.TCPFields{
			SrcPort:    ep.srcPort,
			DstPort:    ep.dstPort,
			SeqNum:     seq,
			DataOffset: header.TCPMinimumSize,
			Flags:      header.TCPFlagAck | header.TCPFlagPsh,
			WindowSize: 65535,
		})
		return
	}
	header.UDP(l4).Encode(&header.UDPFields{
		SrcPort: ep.srcPort,
		DstPort: ep.dstPort,
		Length:  uint16(len(l4)),
	})
	// Payload starts with the sequence number.
	copy(l4[header.UDPMinimumSize:], []byte{
		byte(seq >> 24), byte(seq >> 16), byte(seq >> 8), byte(seq),
	})
}

// fragments cuts b into n near-equal parts.
func fragments(b []byte, n int) [][]byte {
	n = min(n, len(b))
	out := make([][]byte, 0, n)
	step := (len(b) + n - 1) / n
	for len(b) > 0 {
		k := min(step, len(b))
		out = append(out, b[:k:k])
		b = b[k:]
	}
	return out
}

type Stats struct {
	TxPackets   atomic.Uint64
	TxCompleted atomic.Uint64
	TxErrors    atomic.Uint64
	TxBytes     atomic.Uint64
	TxRetries   atomic.Uint64

	RxPackets atomic.Uint64
	RxBytes   atomic.Uint64

	Elapsed atomic.Int64
}

func runSender(
	ctx context.Context, dev *netfront.Device, conf *Config, ep *endpoints,
	free chan []byte, stats *Stats,
) error {
	limiter := ratelimit.New(conf.RatePPS)
	tcp := conf.Traffic.MSS > 0
	var off netfront.Offload
	if tcp {
		off.MSS = conf.Traffic.MSS
	}
	off.Checksum = true

	start := time.Now()
	var seq uint32
	for stats.TxPackets.Load() < conf.Count {
		if err := limiter.ThrottleN(ctx, 1); err != nil {
			return err
		}
		var buf []byte
		select {
		case buf = <-free:
		case <-ctx.Done():
			return ctx.Err()
		}
		buildFrame(buf, ep, seq, tcp)
		p := &netfront.Packet{
			Frags:   fragments(buf, conf.Traffic.Frags),
			Offload: off,
			Cookie:  buf,
		}
		for !dev.Send(p) {
			if err := ctx.Err(); err != nil {
				return err
			}
			stats.TxRetries.Add(1)
			runtime.Gosched()
		}
		stats.TxPackets.Add(1)
		stats.TxBytes.Add(uint64(len(buf)))
		seq++
	}

	// Every buffer is back in the free list once every send has completed.
	drained := make([][]byte, 0, conf.Traffic.InFlight)
	defer func() {
		for _, b := range drained {
			free <- b
		}
	}()
	for len(drained) < conf.Traffic.InFlight {
		select {
		case buf := <-free:
			drained = append(drained, buf)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	stats.Elapsed.Store(time.Since(start).Nanoseconds())
	return nil
}

func runTicker(ctx context.Context, stats *Stats) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	var lastTxPkts, lastTxBytes uint64
	var lastRxPkts, lastRxBytes uint64
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		now := time.Now()
		dt := now.Sub(lastTime).Seconds()
		lastTime = now

		txPkts := stats.TxPackets.Load()
		rxPkts := stats.RxPackets.Load()
		txBytes := stats.TxBytes.Load()
		rxBytes := stats.RxBytes.Load()

		dTxPkts := txPkts - lastTxPkts
		dRxPkts := rxPkts - lastRxPkts
		dTxBytes := txBytes - lastTxBytes
		dRxBytes := rxBytes - lastRxBytes

		lastTxPkts = txPkts
		lastTxBytes = txBytes
		lastRxPkts = rxPkts
		lastRxBytes = rxBytes

		txPPS := uint64(float64(dTxPkts) / dt)
		rxPPS := uint64(float64(dRxPkts) / dt)
		txMbps := float64(dTxBytes*8) / 1e6 / dt
		rxMbps := float64(dRxBytes*8) / 1e6 / dt

		fmt.Printf(
			"TX=%d RX=%d TX-PPS=%d RX-PPS=%d TX-Mbps=%.1f RX-Mbps=%.1f\n",
			txPkts, rxPkts, txPPS, rxPPS, txMbps, rxMbps,
		)
	}
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	// Print final resolved config
	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	store := xenbus.NewStore()
	grants := grant.NewTable(conf.Grants)
	events := evtchn.NewSwitch(0)

	back, err := netback.New(conf.Backend, store, grants, events)
	fatalIf(err, "creating backend")
	fatalIf(back.Start(context.Background()), "starting backend")
	defer back.Close()

	var stats Stats
	free := make(chan []byte, conf.Traffic.InFlight)
	for range conf.Traffic.InFlight {
		free <- make([]byte, conf.PktSize)
	}

	dev, err := netfront.New(conf.Frontend, netfront.Options{
		Store:  store,
		Grants: grants,
		Events: events,
		OnSendComplete: func(p *netfront.Packet, err error) {
			stats.TxCompleted.Add(1)
			if err != nil {
				stats.TxErrors.Add(1)
			}
			free <- p.Cookie.([]byte)
		},
		OnReceive: func(p *netfront.RxPacket) {
			stats.RxPackets.Add(1)
			stats.RxBytes.Add(uint64(p.Len()))
			p.Release()
		},
	})
	fatalIf(err, "creating device")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	fatalIf(dev.Connect(ctx), "connecting")
	cancel()

	f := dev.Features()
	fmt.Fprintf(os.Stderr, "connected: mac=%v sg=%t csum=%t gso=%d mtu=%d\n",
		f.MAC, f.ScatterGather, f.ChecksumOffload, f.GSOMaxSize, f.MTU)

	srcIP := netip.MustParseAddr(conf.Traffic.SrcIP).As4()
	dstIP := netip.MustParseAddr(conf.Traffic.DstIP).As4()
	ep := &endpoints{
		srcMAC:  f.MAC,
		dstMAC:  f.PermanentMAC,
		srcIP:   tcpip.AddrFrom4(srcIP),
		dstIP:   tcpip.AddrFrom4(dstIP),
		srcPort: uint16(conf.Traffic.SrcPort),
		dstPort: uint16(conf.Traffic.DstPort),
	}

	before := ifacestat.Snapshot(map[string]ifacestat.Source{"vif0": dev})

	tickCtx, stopTicker := context.WithCancel(context.Background())
	var ticker errgroup.Group
	ticker.Go(func() error { return runTicker(tickCtx, &stats) })

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return runSender(gctx, dev, conf, ep, free, &stats)
	})
	fatalIf(g.Wait(), "sending")

	{
		d := 300 * time.Millisecond
		fmt.Fprintf(os.Stderr, "waiting %s for transmission...\n", d)
		time.Sleep(d) // Wait for the reflected frames to arrive at RX.
	}
	stopTicker()
	_ = ticker.Wait()

	after := ifacestat.Snapshot(map[string]ifacestat.Source{"vif0": dev})

	dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := dev.Disconnect(dctx); err != nil {
		log.Warningf("disconnect: %v", err)
	}
	dcancel()

	txPackets := stats.TxPackets.Load()
	rxPackets := stats.RxPackets.Load()
	txBytes := stats.TxBytes.Load()
	rxBytes := stats.RxBytes.Load()

	elapsed := float64(stats.Elapsed.Load()) / 1e9
	txAvgPPS := uint64(float64(txPackets) / elapsed)
	rxAvgPPS := uint64(float64(rxPackets) / elapsed)
	txAvgMbps := float64(txBytes*8) / 1e6 / elapsed
	rxAvgMbps := float64(rxBytes*8) / 1e6 / elapsed

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" TX:                %d packets\n", txPackets)
	p.Printf(" RX:                %d packets\n", rxPackets)
	p.Printf(" TX errors:         %d\n", stats.TxErrors.Load())
	p.Printf(" TX retries:        %d\n", stats.TxRetries.Load())
	p.Printf(" TX Avg PPS:        %d\n", txAvgPPS)
	p.Printf(" RX Avg PPS:        %d\n", rxAvgPPS)
	p.Printf(" TX Avg rate:       %.1f Mbps\n", txAvgMbps)
	p.Printf(" RX Avg rate:       %.1f Mbps\n", rxAvgMbps)
	p.Printf(" RX volume:         %s\n", humanize.Bytes(rxBytes))
	if conf.Traffic.MSS == 0 {
		// Without segmentation every frame comes back exactly once.
		drops := txPackets - min(rxPackets, txPackets)
		p.Printf(" Dropped:           %d (%.4f%%)\n",
			drops, float64(drops)/float64(txPackets)*100)
	}

	bs := back.Stats()
	p.Printf(" Backend segmented: %d\n", bs.Segmented)
	p.Printf(" Backend dropped:   %d\n", bs.RxDropped)

	fmt.Fprintln(os.Stderr, "\nDEVICE COUNTERS")
	fatalIf(ifacestat.Print(os.Stderr, after.Since(before), map[string]string{
		"vif0": "loopback",
	}), "printing counters")
}
