package acceptor

import "errors"

// Sentinel errors returned by Session.
var (
	// Caller misuse, rejected without transport I/O.
	ErrAlreadyOpen = errors.New("acceptor: session already open")
	ErrSessionBusy = errors.New("acceptor: session is opening or closing")
	ErrNotEscrowed = errors.New("acceptor: no bill in escrow")
	ErrStreamNil   = errors.New("acceptor: byte stream is nil")

	// Session lifecycle.
	ErrSessionClosed = errors.New("acceptor: session closed")
	ErrTransportOpen = errors.New("acceptor: failed to open transport")
	ErrOpenTimeout   = errors.New("acceptor: handshake timeout")
	ErrCloseTimeout  = errors.New("acceptor: close session timeout")

	// Exchange outcomes.
	ErrTimeout          = errors.New("acceptor: no response from device")
	ErrAckMismatch      = errors.New("acceptor: response ack does not match request")
	ErrPardonsExhausted = errors.New("acceptor: command failed, pardons exhausted")
)
