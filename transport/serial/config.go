package serial

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-ebds/logger"
	goserial "go.bug.st/serial"
)

// Default line settings of the acceptor link.
const (
	DefaultBaudRate    = 9600
	DefaultDataBits    = 7
	DefaultParity      = goserial.EvenParity
	DefaultStopBits    = goserial.OneStopBit
	DefaultReadTimeout = 100 * time.Millisecond

	MinReadTimeout = time.Millisecond
	MaxReadTimeout = 5 * time.Second
)

// Config holds the line settings of a Port.
type Config struct {
	baudRate    int
	dataBits    int
	parity      goserial.Parity
	stopBits    goserial.StopBits
	readTimeout time.Duration
	logger      logger.Logger
}

// NewConfig returns the 9600 7E1 defaults with opts applied.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		baudRate:    DefaultBaudRate,
		dataBits:    DefaultDataBits,
		parity:      DefaultParity,
		stopBits:    DefaultStopBits,
		readTimeout: DefaultReadTimeout,
		logger:      logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (cfg *Config) mode() *goserial.Mode {
	return &goserial.Mode{
		BaudRate: cfg.baudRate,
		DataBits: cfg.dataBits,
		Parity:   cfg.parity,
		StopBits: cfg.stopBits,
	}
}

// ReadTimeout returns the time one Read call may wait for the requested bytes.
func (cfg *Config) ReadTimeout() time.Duration { return cfg.readTimeout }

// Option configures a Port.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithBaudRate sets the line speed. Default 9600.
func WithBaudRate(baud int) Option {
	return optFunc(func(cfg *Config) error {
		if baud <= 0 {
			return fmt.Errorf("serial: invalid baud rate %d", baud)
		}
		cfg.baudRate = baud

		return nil
	})
}

// WithDataBits sets the character size, 5 to 8. Default 7.
func WithDataBits(bits int) Option {
	return optFunc(func(cfg *Config) error {
		if bits < 5 || bits > 8 {
			return fmt.Errorf("serial: data bits %d out of range [5, 8]", bits)
		}
		cfg.dataBits = bits

		return nil
	})
}

// WithParity sets the parity mode. Default even.
func WithParity(parity goserial.Parity) Option {
	return optFunc(func(cfg *Config) error {
		if parity < goserial.NoParity || parity > goserial.SpaceParity {
			return fmt.Errorf("serial: invalid parity %d", parity)
		}
		cfg.parity = parity

		return nil
	})
}

// WithStopBits sets the number of stop bits. Default one.
func WithStopBits(bits goserial.StopBits) Option {
	return optFunc(func(cfg *Config) error {
		if bits < goserial.OneStopBit || bits > goserial.TwoStopBits {
			return fmt.Errorf("serial: invalid stop bits %d", bits)
		}
		cfg.stopBits = bits

		return nil
	})
}

// WithReadTimeout sets how long a Read waits for the requested bytes before
// returning what it has. Default 100ms.
func WithReadTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinReadTimeout || d > MaxReadTimeout {
			return fmt.Errorf("serial: read timeout %v out of range [%v, %v]", d, MinReadTimeout, MaxReadTimeout)
		}
		cfg.readTimeout = d

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("serial: logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
