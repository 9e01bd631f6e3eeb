// Package suspend implements the shared suspend/resume record exchanged
// between the platform and a frontend driver.
//
// The platform writes the requested state (pdo) and rings the frontend's
// doorbell. The driver acts, writes the acknowledged state (fdo) and rings
// the platform's doorbell. The record is independent of the device's
// connection state.
package suspend

import (
	"context"
	"fmt"
	"sync/atomic"
)

type State uint32

const (
	Running State = iota
	Suspending
	Resuming
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Suspending:
		return "suspending"
	case Resuming:
		return "resuming"
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// Record is safe for concurrent use by one platform and one driver.
type Record struct {
	pdo       atomic.Uint32
	fdo       atomic.Uint32
	frontBell chan struct{}
	backBell  chan struct{}
}

func NewRecord() *Record {
	return &Record{
		frontBell: make(chan struct{}, 1),
		backBell:  make(chan struct{}, 1),
	}
}

// Requested returns the state requested by the platform.
func (r *Record) Requested() State { return State(r.pdo.Load()) }

// Acked returns the state acknowledged by the driver.
func (r *Record) Acked() State { return State(r.fdo.Load()) }

// Pending reports whether the driver has not yet acknowledged the request.
func (r *Record) Pending() bool { return r.Requested() != r.Acked() }

// Request publishes s and rings the driver's doorbell.
func (r *Record) Request(s State) {
	r.pdo.Store(uint32(s))
	ring(r.frontBell)
}

// Ack publishes s as acknowledged and rings the platform's doorbell.
func (r *Record) Ack(s State) {
	r.fdo.Store(uint32(s))
	ring(r.backBell)
}

// Doorbell is rung whenever the platform changes the requested state.
func (r *Record) Doorbell() <-chan struct{} { return r.frontBell }

// WaitAcked blocks until the driver acknowledges s or ctx is done.
func (r *Record) WaitAcked(ctx context.Context, s State) error {
	for r.Acked() != s {
		select {
		case <-r.backBell:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %v ack (at %v): %w", s, r.Acked(), ctx.Err())
		}
	}
	return nil
}

func ring(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}
