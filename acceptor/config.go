package acceptor

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-ebds/ebds"
	"github.com/arloliu/go-ebds/logger"
)

// Default session settings.
const (
	DefaultAcceptanceMask     = ebds.AcceptAll
	DefaultPollPeriod         = 200 * time.Millisecond
	DefaultHandshakeResponses = 2
	DefaultSendAttempts       = 3
	DefaultRetryBackoff       = 20 * time.Millisecond
	DefaultPardons            = 2
	DefaultCloseTimeout       = 3 * time.Second

	// openTimeoutPolls is the default handshake timeout in poll periods.
	openTimeoutPolls = 5
)

// Setting range limits.
const (
	MinPollPeriod = 20 * time.Millisecond
	MaxPollPeriod = 5 * time.Second

	MinSendAttempts = 1
	MaxSendAttempts = 10

	MaxHandshakeResponses = 16
	MaxPardons            = 16
	MaxRetryBackoff       = time.Second
)

// Config holds the configuration of a Session.
type Config struct {
	acceptanceMask   byte
	escrow           bool
	barcodeDetection bool
	pollPeriod       time.Duration

	// openTimeout is zero until set explicitly; it then no longer follows pollPeriod.
	openTimeout time.Duration

	handshakeResponses int
	sendAttempts       int
	retryBackoff       time.Duration
	pardons            int
	closeTimeout       time.Duration

	logger logger.Logger
}

// NewConfig creates a session configuration. opts are applied in order; see
// the With* functions.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		acceptanceMask:     DefaultAcceptanceMask,
		escrow:             true,
		pollPeriod:         DefaultPollPeriod,
		handshakeResponses: DefaultHandshakeResponses,
		sendAttempts:       DefaultSendAttempts,
		retryBackoff:       DefaultRetryBackoff,
		pardons:            DefaultPardons,
		closeTimeout:       DefaultCloseTimeout,
		logger:             logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// AcceptanceMask returns the initial denomination mask.
func (cfg *Config) AcceptanceMask() byte { return cfg.acceptanceMask }

// EscrowMode returns whether bills are held in escrow.
func (cfg *Config) EscrowMode() bool { return cfg.escrow }

// BarcodeDetection returns whether barcode detection is requested.
func (cfg *Config) BarcodeDetection() bool { return cfg.barcodeDetection }

// PollPeriod returns the initial poll period.
func (cfg *Config) PollPeriod() time.Duration { return cfg.pollPeriod }

// OpenTimeout returns the handshake timeout, five poll periods unless set.
func (cfg *Config) OpenTimeout() time.Duration {
	if cfg.openTimeout > 0 {
		return cfg.openTimeout
	}

	return openTimeoutPolls * cfg.pollPeriod
}

// HandshakeResponses returns the number of valid replies needed to open.
func (cfg *Config) HandshakeResponses() int { return cfg.handshakeResponses }

// SendAttempts returns the number of sends per exchange before a timeout.
func (cfg *Config) SendAttempts() int { return cfg.sendAttempts }

// RetryBackoff returns the backoff increment between send attempts.
func (cfg *Config) RetryBackoff() time.Duration { return cfg.retryBackoff }

// Pardons returns the number of failed replies a command tolerates.
func (cfg *Config) Pardons() int { return cfg.pardons }

// CloseTimeout returns how long Close waits for the worker to exit.
func (cfg *Config) CloseTimeout() time.Duration { return cfg.closeTimeout }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// --- Option ---

// Option is a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithAcceptanceMask sets the denominations to accept, one bit each.
// Only the low 7 bits are used. Default 0x7F.
func WithAcceptanceMask(mask byte) Option {
	return optFunc(func(cfg *Config) error {
		if mask&^ebds.AcceptAll != 0 {
			return fmt.Errorf("acceptor: acceptance mask 0x%02X uses bit 7", mask)
		}
		cfg.acceptanceMask = mask

		return nil
	})
}

// WithEscrowMode enables or disables escrow. Enabled by default.
func WithEscrowMode(enabled bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.escrow = enabled
		return nil
	})
}

// WithBarcodeDetection enables or disables barcode detection. Disabled by default.
func WithBarcodeDetection(enabled bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.barcodeDetection = enabled
		return nil
	})
}

// WithPollPeriod sets the delay between poll cycles, 20ms to 5s.
func WithPollPeriod(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if err := validatePollPeriod(d); err != nil {
			return err
		}
		cfg.pollPeriod = d

		return nil
	})
}

func validatePollPeriod(d time.Duration) error {
	if d < MinPollPeriod || d > MaxPollPeriod {
		return fmt.Errorf("acceptor: poll period %v out of range [%v, %v]", d, MinPollPeriod, MaxPollPeriod)
	}

	return nil
}

// WithOpenTimeout sets the handshake timeout. Default is five poll periods.
func WithOpenTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("acceptor: open timeout must be positive")
		}
		cfg.openTimeout = d

		return nil
	})
}

// WithHandshakeResponses sets how many valid replies open a session. Default 2.
func WithHandshakeResponses(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 || n > MaxHandshakeResponses {
			return fmt.Errorf("acceptor: handshake responses %d out of range [1, %d]", n, MaxHandshakeResponses)
		}
		cfg.handshakeResponses = n

		return nil
	})
}

// WithSendAttempts sets how many times a request is sent before the exchange
// times out, 1 to 10. Default 3.
func WithSendAttempts(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < MinSendAttempts || n > MaxSendAttempts {
			return fmt.Errorf("acceptor: send attempts %d out of range [%d, %d]", n, MinSendAttempts, MaxSendAttempts)
		}
		cfg.sendAttempts = n

		return nil
	})
}

// WithRetryBackoff sets the backoff increment: attempt n sleeps (n-1)*d before
// re-sending. Default 20ms.
func WithRetryBackoff(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 0 || d > MaxRetryBackoff {
			return fmt.Errorf("acceptor: retry backoff %v out of range [0, %v]", d, MaxRetryBackoff)
		}
		cfg.retryBackoff = d

		return nil
	})
}

// WithPardons sets how many failed replies a non-poll command tolerates. Default 2.
func WithPardons(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 0 || n > MaxPardons {
			return fmt.Errorf("acceptor: pardons %d out of range [0, %d]", n, MaxPardons)
		}
		cfg.pardons = n

		return nil
	})
}

// WithCloseTimeout sets how long Close waits for the poll worker. Default 3s.
func WithCloseTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("acceptor: close timeout must be positive")
		}
		cfg.closeTimeout = d

		return nil
	})
}

// WithLogger sets the logger for the session.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("acceptor: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
