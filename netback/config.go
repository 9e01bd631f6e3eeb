package netback

import (
	"fmt"
	"math/rand/v2"

	"gvisor.dev/gvisor/pkg/tcpip"
)

const (
	DefaultMAC         = "00:16:3e:00:00:01"
	DefaultFrontendDir = "device/vif/0"
	DefaultBackendDir  = "backend/vif/0"
	DefaultMaxBacklog  = 4096
)

// Config holds loopback backend parameters.
type Config struct {
	FrontendDir string `yaml:"frontend-dir"`
	BackendDir  string `yaml:"backend-dir"`
	MAC         string `yaml:"mac"`

	// ScatterGather and GSO are advertised to the frontend.
	ScatterGather bool `yaml:"scatter-gather"`
	GSO           bool `yaml:"gso"`
	// SegmentRx segments GSO frames before delivery even when the
	// frontend accepts GSO on receive.
	SegmentRx bool `yaml:"segment-rx"`

	// MaxBacklog bounds frames waiting for receive buffers.
	MaxBacklog int `yaml:"max-backlog"`
	// Session identifies this backend instance. 0 picks a random one.
	Session uint64 `yaml:"session"`
}

// DefaultConfig returns a config advertising every feature.
func DefaultConfig() Config {
	return Config{ScatterGather: true, GSO: true}
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.FrontendDir == "" {
		c.FrontendDir = DefaultFrontendDir
	}
	if c.BackendDir == "" {
		c.BackendDir = DefaultBackendDir
	}
	if c.MAC == "" {
		c.MAC = DefaultMAC
	}
	if c.MaxBacklog == 0 {
		c.MaxBacklog = DefaultMaxBacklog
	}
	if c.Session == 0 {
		c.Session = newSession()
	}
	if _, err := tcpip.ParseMACAddress(c.MAC); err != nil {
		return fmt.Errorf("mac %q: %w", c.MAC, err)
	}
	if c.MaxBacklog < 0 {
		return fmt.Errorf("negative max-backlog %d", c.MaxBacklog)
	}
	return nil
}

func newSession() uint64 {
	for {
		if s := rand.Uint64(); s != 0 {
			return s
		}
	}
}
