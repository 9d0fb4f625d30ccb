// Package serial provides a byte stream over an RS-232 port for the acceptor
// session.
package serial

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-ebds/logger"
	goserial "go.bug.st/serial"
)

// ErrPortClosed is returned by Read and Write on a closed port.
var ErrPortClosed = errors.New("serial: port closed")

type openFunc func(name string, mode *goserial.Mode) (goserial.Port, error)

// Port is a serial line opened on demand. It satisfies acceptor.ByteStream.
//
// Read and Write are called by one goroutine at a time; Close may be called
// concurrently to abort a blocked Read.
type Port struct {
	name   string
	cfg    *Config
	logger logger.Logger
	open   openFunc

	mu   sync.Mutex
	port goserial.Port
}

// NewPort returns a closed Port for the named device, for example
// "/dev/ttyUSB0" or "COM3".
func NewPort(name string, opts ...Option) (*Port, error) {
	if name == "" {
		return nil, errors.New("serial: empty port name")
	}

	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	return &Port{
		name:   name,
		cfg:    cfg,
		logger: cfg.logger.With("port", name),
		open:   goserial.Open,
	}, nil
}

// Name returns the device name.
func (p *Port) Name() string { return p.name }

// IsOpen reports whether the port is open.
func (p *Port) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.port != nil
}

// Open opens the device with the configured line settings. Opening an open
// port is a no-op.
func (p *Port) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.port != nil {
		return nil
	}

	mode := p.cfg.mode()

	port, err := p.open(p.name, mode)
	if err != nil {
		return fmt.Errorf("serial: open %s: %w", p.name, err)
	}

	if err := port.SetReadTimeout(p.cfg.readTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("serial: set read timeout on %s: %w", p.name, err)
	}

	p.port = port
	p.logger.Debug("serial port opened",
		"baud", mode.BaudRate, "dataBits", mode.DataBits, "parity", int(mode.Parity), "stopBits", int(mode.StopBits))

	return nil
}

// Close closes the device. Closing a closed port is a no-op.
func (p *Port) Close() error {
	p.mu.Lock()
	port := p.port
	p.port = nil
	p.mu.Unlock()

	if port == nil {
		return nil
	}

	p.logger.Debug("serial port closed")

	return port.Close()
}

// Write discards unread input, then writes all of b.
func (p *Port) Write(b []byte) error {
	port, err := p.current()
	if err != nil {
		return err
	}

	if err := port.ResetInputBuffer(); err != nil {
		p.logger.Debug("reset input buffer failed", "error", err)
	}

	for len(b) > 0 {
		n, err := port.Write(b)
		if err != nil {
			return fmt.Errorf("serial: write %s: %w", p.name, err)
		}
		if n == 0 {
			return fmt.Errorf("serial: write %s: no progress", p.name)
		}
		b = b[n:]
	}

	return nil
}

// Read waits up to the read timeout for n bytes. Fewer bytes, possibly none,
// are returned when the timeout elapses first.
func (p *Port) Read(n int) ([]byte, error) {
	port, err := p.current()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(p.cfg.readTimeout)

	for got < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		if err := port.SetReadTimeout(remaining); err != nil {
			return buf[:got], fmt.Errorf("serial: set read timeout on %s: %w", p.name, err)
		}

		k, err := port.Read(buf[got:])
		got += k

		if err != nil {
			return buf[:got], fmt.Errorf("serial: read %s: %w", p.name, err)
		}

		// go.bug.st/serial returns 0, nil when the timeout expires.
		if k == 0 {
			break
		}
	}

	return buf[:got], nil
}

func (p *Port) current() (goserial.Port, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.port == nil {
		return nil, ErrPortClosed
	}

	return p.port, nil
}
