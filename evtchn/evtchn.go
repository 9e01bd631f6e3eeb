// Package evtchn provides interdomain event channels: edge-triggered
// notifications between a frontend and a backend. Notifications are level
// coalesced; any number of Notify calls before the receiver drains C()
// deliver a single pending event.
package evtchn

import (
	"errors"
	"fmt"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/sync"
)

var (
	ErrNoFreePorts  = errors.New("no free event channel ports")
	ErrUnknownPort  = errors.New("unknown event channel port")
	ErrAlreadyBound = errors.New("event channel port already bound")
	ErrClosed       = errors.New("event channel closed")
)

// Port names one end of an event channel.
type Port uint32

// DefaultMaxPorts bounds a Switch created without an explicit limit.
const DefaultMaxPorts = 1024

// Switch owns the port namespace and connects endpoints.
type Switch struct {
	mu    sync.Mutex
	ports map[Port]*Endpoint
	next  Port
	max   int
}

func NewSwitch(maxPorts int) *Switch {
	if maxPorts <= 0 {
		maxPorts = DefaultMaxPorts
	}
	return &Switch{ports: make(map[Port]*Endpoint), next: 1, max: maxPorts}
}

// Endpoint is one bound end of a channel.
type Endpoint struct {
	sw     *Switch
	port   Port
	peer   atomic.Pointer[Endpoint]
	c      chan struct{}
	closed atomic.Bool
	sent   atomic.Uint64
}

func (s *Switch) allocLocked() (*Endpoint, error) {
	if len(s.ports) >= s.max {
		return nil, ErrNoFreePorts
	}
	for s.ports[s.next] != nil || s.next == 0 {
		s.next++
	}
	e := &Endpoint{sw: s, port: s.next, c: make(chan struct{}, 1)}
	s.ports[e.port] = e
	s.next++
	return e, nil
}

// AllocUnbound allocates a port a remote party may later bind to.
func (s *Switch) AllocUnbound() (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocLocked()
}

// BindInterdomain allocates a local port connected to the unbound port remote.
func (s *Switch) BindInterdomain(remote Port) (*Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.ports[remote]
	if r == nil {
		return nil, fmt.Errorf("binding port %d: %w", remote, ErrUnknownPort)
	}
	if r.peer.Load() != nil {
		return nil, fmt.Errorf("binding port %d: %w", remote, ErrAlreadyBound)
	}
	l, err := s.allocLocked()
	if err != nil {
		return nil, err
	}
	l.peer.Store(r)
	r.peer.Store(l)
	return l, nil
}

// InUse returns the number of allocated ports.
func (s *Switch) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ports)
}

// Port returns the local port number.
func (e *Endpoint) Port() Port { return e.port }

// Bound reports whether a peer is connected.
func (e *Endpoint) Bound() bool { return e.peer.Load() != nil }

// C delivers one value per coalesced batch of notifications from the peer.
func (e *Endpoint) C() <-chan struct{} { return e.c }

// Notify signals the peer. It never blocks; a notification to an unbound or
// closed peer is dropped.
func (e *Endpoint) Notify() {
	p := e.peer.Load()
	if p == nil || p.closed.Load() {
		return
	}
	e.sent.Add(1)
	select {
	case p.c <- struct{}{}:
	default:
	}
}

// Sent returns the number of notifications delivered to the peer.
func (e *Endpoint) Sent() uint64 { return e.sent.Load() }

// Close unbinds the endpoint and frees its port.
func (e *Endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	e.sw.mu.Lock()
	delete(e.sw.ports, e.port)
	e.sw.mu.Unlock()
	if p := e.peer.Swap(nil); p != nil {
		p.peer.CompareAndSwap(e, nil)
	}
	return nil
}
