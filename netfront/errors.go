package netfront

import "errors"

var (
	ErrNotActive        = errors.New("device not active")
	ErrAlreadyConnected = errors.New("device already connected")
	ErrBackendTimeout   = errors.New("timed out waiting for backend")
	ErrMissingKey       = errors.New("required store key missing")
	ErrDrainTimeout     = errors.New("timed out draining transmit ring")
	ErrShutdown         = errors.New("device shut down")
	ErrInvalidConfig    = errors.New("invalid config")

	// ErrBackendError and ErrBackendDropped are reported to OnSendComplete
	// for negative response statuses.
	ErrBackendError   = errors.New("backend reported error")
	ErrBackendDropped = errors.New("backend dropped packet")

	// ErrUnsupported is reported for packets needing an offload or size the
	// connection did not negotiate.
	ErrUnsupported = errors.New("packet requires unsupported feature")
)
