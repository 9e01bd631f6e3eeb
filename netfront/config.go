package netfront

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/romshark/netfront-go/pagemem"
	"github.com/romshark/netfront-go/ring"
)

// SplitMode selects how received GSO packets are cut before delivery.
type SplitMode string

const (
	// SplitMSS cuts at the backend supplied MSS.
	SplitMSS SplitMode = "mss"
	// SplitHalf cuts into pieces of at least half the payload.
	SplitHalf SplitMode = "half"
	// SplitNone delivers GSO packets whole.
	SplitNone SplitMode = "none"
)

const (
	// MaxPacketHeaderLength is the largest Ethernet+IPv4+TCP header.
	MaxPacketHeaderLength = ethHeaderLength + 60 + 60

	// MaxGSOSize is the largest LSO size offered to the host.
	MaxGSOSize = 61440

	DefaultMTU                  = 1500
	DefaultMaxSlotsPerPacket    = 19
	DefaultRxMaxPacketsPerDrain = 2560
	DefaultRxMaxBytesPerDrain   = 2560 * 1500
	DefaultPoolChunkPages       = 64
	DefaultBackendWaitRetries   = 5
	DefaultBackendWaitInterval  = time.Second
	DefaultDrainTimeout         = 5 * time.Second
	DefaultFrontendDir          = "device/vif/0"
	DefaultBackendDir           = "backend/vif/0"

	ethHeaderLength = 14
)

// Config holds frontend device parameters. Boolean features default to
// enabled through DefaultConfig; zero numeric fields are replaced with
// their defaults by ValidateAndSetDefaults.
type Config struct {
	FrontendDir string `yaml:"frontend-dir"`
	BackendDir  string `yaml:"backend-dir"`

	ScatterGather   bool `yaml:"scatter-gather"`
	ChecksumOffload bool `yaml:"checksum-offload"`
	RxCoalesce      bool `yaml:"rx-coalesce"`
	// RxFixChecksum fills blank L4 checksums of received packets.
	RxFixChecksum bool `yaml:"rx-fix-checksum"`

	// LargeSendOffload is the largest LSO size offered; 0 disables GSO.
	LargeSendOffload uint32    `yaml:"large-send-offload"`
	RxSplit          SplitMode `yaml:"rx-split"`

	MTU uint32 `yaml:"mtu"`
	// MAC overrides the backend address when it is locally administered.
	MAC string `yaml:"mac"`

	MaxSlotsPerPacket    uint32 `yaml:"max-slots-per-packet"`
	RxTarget             uint32 `yaml:"rx-target"`
	RxMaxPacketsPerDrain int    `yaml:"rx-max-packets-per-drain"`
	RxMaxBytesPerDrain   int    `yaml:"rx-max-bytes-per-drain"`

	PoolChunkPages int `yaml:"pool-chunk-pages"`
	// PoolMaxPages bounds each buffer pool; 0 means unbounded.
	PoolMaxPages int `yaml:"pool-max-pages"`

	BackendWaitRetries  uint64        `yaml:"backend-wait-retries"`
	BackendWaitInterval time.Duration `yaml:"backend-wait-interval"`
	DrainTimeout        time.Duration `yaml:"drain-timeout"`

	// TrustSessionOnResume allows resume to keep rings and grants when the
	// backend session is unchanged.
	TrustSessionOnResume bool `yaml:"trust-session-on-resume"`
}

// DefaultConfig returns a config with every offload enabled.
func DefaultConfig() Config {
	return Config{
		ScatterGather:    true,
		ChecksumOffload:  true,
		RxCoalesce:       true,
		LargeSendOffload: MaxGSOSize,
		RxSplit:          SplitHalf,
	}
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.FrontendDir == "" {
		c.FrontendDir = DefaultFrontendDir
	}
	if c.BackendDir == "" {
		c.BackendDir = DefaultBackendDir
	}
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	if c.MaxSlotsPerPacket == 0 {
		c.MaxSlotsPerPacket = DefaultMaxSlotsPerPacket
	}
	if c.RxTarget == 0 {
		c.RxTarget = ring.PageSlots
	}
	if c.RxMaxPacketsPerDrain == 0 {
		c.RxMaxPacketsPerDrain = DefaultRxMaxPacketsPerDrain
	}
	if c.RxMaxBytesPerDrain == 0 {
		c.RxMaxBytesPerDrain = DefaultRxMaxBytesPerDrain
	}
	if c.PoolChunkPages == 0 {
		c.PoolChunkPages = DefaultPoolChunkPages
	}
	if c.BackendWaitRetries == 0 {
		c.BackendWaitRetries = DefaultBackendWaitRetries
	}
	if c.BackendWaitInterval == 0 {
		c.BackendWaitInterval = DefaultBackendWaitInterval
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.RxSplit == "" {
		c.RxSplit = SplitHalf
	}

	switch c.RxSplit {
	case SplitMSS, SplitHalf, SplitNone:
	default:
		return fmt.Errorf("%w: rx-split %q", ErrInvalidConfig, c.RxSplit)
	}
	if c.MTU < 68 || c.MTU > 65535-ethHeaderLength {
		return fmt.Errorf("%w: mtu %d", ErrInvalidConfig, c.MTU)
	}
	if c.MaxSlotsPerPacket < 2 || c.MaxSlotsPerPacket >= ring.PageSlots {
		return fmt.Errorf("%w: max-slots-per-packet %d not in [2, %d)",
			ErrInvalidConfig, c.MaxSlotsPerPacket, ring.PageSlots)
	}
	if c.RxTarget > ring.PageSlots {
		return fmt.Errorf("%w: rx-target %d exceeds ring size %d",
			ErrInvalidConfig, c.RxTarget, ring.PageSlots)
	}
	if c.PoolMaxPages < 0 || c.PoolChunkPages < 0 {
		return fmt.Errorf("%w: negative pool size", ErrInvalidConfig)
	}
	if c.MAC != "" {
		mac, err := tcpip.ParseMACAddress(c.MAC)
		if err != nil {
			return fmt.Errorf("%w: mac: %w", ErrInvalidConfig, err)
		}
		if !locallyAdministered(mac) {
			return fmt.Errorf("%w: mac %v is not locally administered",
				ErrInvalidConfig, mac)
		}
	}
	c.LargeSendOffload = clipGSO(c.LargeSendOffload, c.ScatterGather)
	return nil
}

// clipGSO bounds an LSO size to what fits the slot layout.
func clipGSO(size uint32, sg bool) uint32 {
	size = min(size, MaxGSOSize)
	if !sg {
		size = min(size, pagemem.PageSize-MaxPacketHeaderLength)
	}
	return size
}

func locallyAdministered(mac tcpip.LinkAddress) bool {
	return len(mac) == 6 && mac[0]&0x03 == 0x02
}

// LoadConfig reads a YAML config on top of DefaultConfig and validates it.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML on top of DefaultConfig and validates it.
// Unknown keys are rejected.
func ParseConfig(b []byte) (Config, error) {
	c := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.ValidateAndSetDefaults(); err != nil {
		return Config{}, err
	}
	return c, nil
}
