package acceptor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-ebds/ebds"
	"github.com/arloliu/go-ebds/internal/pool"
	"github.com/arloliu/go-ebds/internal/queue"
	"github.com/arloliu/go-ebds/internal/task"
	"github.com/arloliu/go-ebds/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

// DeviceInfo identifies the acceptor from its last poll reply.
type DeviceInfo struct {
	Model    byte
	Revision byte
	// Valid is false until the first accepted poll reply.
	Valid bool
}

type cashboxLatch uint8

const (
	cashboxUnknown cashboxLatch = iota
	cashboxAttached
	cashboxRemoved
)

// linkState is the per-connection state. It is zeroed when the session
// closes and when a reset request is sent.
type linkState struct {
	ack bool

	state    ebds.AcceptorState
	hasState bool

	cashbox       cashboxLatch
	escrowLatched bool
	barcode       string
	connLost      bool

	stackReq  bool
	returnReq bool

	info DeviceInfo
}

// settings are the caller adjustable poll parameters. They survive close.
type settings struct {
	mask       byte
	escrow     bool
	barcode    bool
	pollPeriod time.Duration
}

// Session drives one acceptor over a ByteStream.
//
// Open performs the handshake and starts a single worker that polls the
// device every poll period. Non-poll commands (telemetry, barcode query,
// reset) are queued and serviced by the worker between polls. When the
// session is closed, the same commands run synchronously on the calling
// goroutine: open, handshake, send, close.
//
// All methods are safe for concurrent use.
type Session struct {
	cfg     *Config
	stream  ByteStream
	logger  logger.Logger
	opState atomicOpState
	taskMgr *task.Manager

	// ioMu serializes use of the stream between the worker and the
	// goroutines opening the session or running detached commands.
	ioMu sync.Mutex

	// mu guards link, settings, queue and inflight.
	mu       sync.Mutex
	link     linkState
	settings settings
	queue    queue.Queue[*command]
	inflight *command

	// commands holds every queued or in-flight command so Close can fail them.
	commands  *xsync.MapOf[uint64, *command]
	nextCmdID atomic.Uint64

	handlerMu sync.RWMutex
	handlers  []NotificationHandler

	// noteMu guards notes and noteAsync. While noteAsync is set, the notify
	// loop delivers notes so handlers never run on the poll worker.
	noteMu    sync.Mutex
	notes     queue.Queue[Notification]
	noteAsync bool
	noteWake  chan struct{}

	metrics Metrics
}

// NewSession creates a closed Session bound to stream. ctx bounds the
// lifetime of the poll worker.
func NewSession(ctx context.Context, stream ByteStream, cfg *Config) (*Session, error) {
	if stream == nil {
		return nil, ErrStreamNil
	}

	if cfg == nil {
		var err error
		if cfg, err = NewConfig(); err != nil {
			return nil, err
		}
	}

	l := cfg.GetLogger().With("component", "ebds")

	s := &Session{
		cfg:     cfg,
		stream:  stream,
		logger:  l,
		taskMgr: task.NewManager(ctx, l),
		settings: settings{
			mask:       cfg.AcceptanceMask(),
			escrow:     cfg.EscrowMode(),
			barcode:    cfg.BarcodeDetection(),
			pollPeriod: cfg.PollPeriod(),
		},
		queue:    queue.NewSliceQueue[*command](8),
		commands: xsync.NewMapOf[uint64, *command](),
		notes:    queue.NewSliceQueue[Notification](8),
		noteWake: make(chan struct{}, 1),
	}
	s.opState.Set(ClosedState)

	return s, nil
}

// Open opens the stream, performs the handshake and starts polling.
//
// On failure the stream is released and the session stays closed.
func (s *Session) Open(ctx context.Context) error {
	if !s.opState.ToOpening() {
		if s.opState.IsRunning() {
			return ErrAlreadyOpen
		}

		return ErrSessionBusy
	}

	if err := s.connect(ctx); err != nil {
		s.opState.Set(ClosedState)
		s.logger.Warn("open session failed", "error", err)

		return err
	}

	s.opState.ToRunning()

	if err := s.startTasks(); err != nil {
		s.taskMgr.Stop()
		s.taskMgr.Wait()
		s.stopNotifyLoop()

		s.ioMu.Lock()
		s.teardown()
		s.ioMu.Unlock()
		s.opState.Set(ClosedState)

		return err
	}

	info := s.DeviceInfo()
	s.logger.Info("session opened", "model", info.Model, "revision", info.Revision)

	return nil
}

func (s *Session) startTasks() error {
	if err := s.startNotifyLoop(); err != nil {
		return err
	}

	return s.taskMgr.Start("pollLoop", s.pollLoopIteration, nil)
}

// Close stops the worker, fails every pending command with ErrSessionClosed,
// resets all latches and releases the stream. Closing a closed session is a
// no-op.
func (s *Session) Close() error {
	if !s.opState.ToClosing() {
		if s.opState.IsClosed() {
			return nil
		}

		return ErrSessionBusy
	}

	s.logger.Debug("start to close session")

	s.taskMgr.Stop()

	// A handler may be waiting on a queued command; release it before
	// waiting for the notify loop.
	s.failPending(ErrSessionClosed)

	var err error
	if !s.taskMgr.WaitTimeout(s.cfg.CloseTimeout()) {
		s.logger.Error("close session timeout", "timeout", s.cfg.CloseTimeout())
		err = ErrCloseTimeout
	}

	if err == nil {
		s.stopNotifyLoop()

		s.ioMu.Lock()
		s.teardown()
		s.ioMu.Unlock()
	} else {
		// The worker is stuck inside the stream; closing it unblocks the read.
		s.teardown()
	}

	s.opState.ToClosed()
	s.logger.Info("session closed")

	return err
}

// connect opens the stream and runs the handshake. ioMu is held for the
// whole sequence.
func (s *Session) connect(ctx context.Context) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if err := s.openStream(); err != nil {
		return err
	}

	if err := s.handshake(ctx); err != nil {
		s.teardown()
		return err
	}

	return nil
}

// handshake polls until the configured number of valid replies arrive or
// the open timeout elapses. A device that starts with the opposite ack bit
// is tolerated by flipping the local bit once.
func (s *Session) handshake(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.OpenTimeout())
	defer cancel()

	valid := 0
	flipped := false

	for valid < s.cfg.HandshakeResponses() {
		if ctx.Err() != nil {
			return s.handshakeErr(parent, valid)
		}

		switch s.pollCycle(ctx) {
		case pollOK:
			valid++
			continue
		case pollAckMismatch:
			if !flipped && valid == 0 {
				s.mu.Lock()
				s.link.ack = !s.link.ack
				s.mu.Unlock()

				flipped = true
				s.logger.Debug("handshake ack mismatch, flip local ack")

				continue
			}
		}

		if !pool.Sleep(ctx, s.PollPeriod()) {
			return s.handshakeErr(parent, valid)
		}
	}

	return nil
}

func (s *Session) handshakeErr(parent context.Context, valid int) error {
	if err := parent.Err(); err != nil {
		return err
	}

	return fmt.Errorf("%w: %d of %d valid replies within %v",
		ErrOpenTimeout, valid, s.cfg.HandshakeResponses(), s.cfg.OpenTimeout())
}

// pollLoopIteration runs one worker cycle: the in-flight command, else the
// queue head, else a poll. It then sleeps for the poll period.
func (s *Session) pollLoopIteration() bool {
	ctx := s.taskMgr.Context()

	if cmd := s.nextCommand(); cmd != nil {
		s.ioMu.Lock()
		done := s.serviceCommand(ctx, cmd)
		s.ioMu.Unlock()

		s.settleCommand(cmd, done)
	} else {
		s.ioMu.Lock()
		s.pollCycle(ctx)
		s.ioMu.Unlock()
	}

	return pool.Sleep(ctx, s.PollPeriod())
}

// openStream opens the stream unless it is already open. ioMu must be held.
func (s *Session) openStream() error {
	if s.stream.IsOpen() {
		return nil
	}

	if err := s.stream.Open(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportOpen, err)
	}

	return nil
}

// teardown releases the stream and zeroes the link state.
func (s *Session) teardown() {
	if s.stream.IsOpen() {
		if err := s.stream.Close(); err != nil {
			s.logger.Debug("close stream failed", "error", err)
		}
	}

	s.resetLink()
}

// resetLink zeroes the ack bit, every latch and the pending escrow requests.
func (s *Session) resetLink() {
	s.mu.Lock()
	s.link = linkState{}
	s.mu.Unlock()
}

// --- Caller controls ---

// Stack asks the device to stack the escrowed bill on the next poll.
func (s *Session) Stack() error {
	return s.requestEscrowAction(true)
}

// Return asks the device to return the escrowed bill on the next poll.
func (s *Session) Return() error {
	return s.requestEscrowAction(false)
}

func (s *Session) requestEscrowAction(stack bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// While opening, the flag rides on the next handshake or worker poll.
	if st := s.opState.Get(); st != RunningState && st != OpeningState {
		return ErrSessionClosed
	}

	if !s.link.hasState || s.link.state != ebds.StateEscrowed {
		return fmt.Errorf("%w: state is %s", ErrNotEscrowed, s.link.state)
	}

	s.link.stackReq = stack
	s.link.returnReq = !stack

	return nil
}

// SetAcceptanceMask sets the denominations to accept from the next poll on.
func (s *Session) SetAcceptanceMask(mask byte) error {
	if mask&^ebds.AcceptAll != 0 {
		return fmt.Errorf("acceptor: acceptance mask 0x%02X uses bit 7", mask)
	}

	s.mu.Lock()
	s.settings.mask = mask
	s.mu.Unlock()

	return nil
}

// SetEscrowMode enables or disables escrow from the next poll on.
func (s *Session) SetEscrowMode(enabled bool) {
	s.mu.Lock()
	s.settings.escrow = enabled
	s.mu.Unlock()
}

// SetBarcodeDetection enables or disables barcode detection from the next poll on.
func (s *Session) SetBarcodeDetection(enabled bool) {
	s.mu.Lock()
	s.settings.barcode = enabled
	s.mu.Unlock()
}

// SetPollPeriod changes the delay between worker cycles.
func (s *Session) SetPollPeriod(d time.Duration) error {
	if err := validatePollPeriod(d); err != nil {
		return err
	}

	s.mu.Lock()
	s.settings.pollPeriod = d
	s.mu.Unlock()

	return nil
}

// --- Accessors ---

// PollPeriod returns the current poll period.
func (s *Session) PollPeriod() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.settings.pollPeriod
}

// OpState returns the lifecycle state.
func (s *Session) OpState() OpState {
	return s.opState.Get()
}

// IsRunning reports whether the poll worker is active.
func (s *Session) IsRunning() bool {
	return s.opState.IsRunning()
}

// State returns the last observed acceptor state. ok is false before the
// first accepted poll reply.
func (s *Session) State() (state ebds.AcceptorState, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.link.state, s.link.hasState
}

// CashboxPresent returns the last observed cashbox presence. known is false
// before the first accepted poll reply.
func (s *Session) CashboxPresent() (present bool, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.link.cashbox == cashboxAttached, s.link.cashbox != cashboxUnknown
}

// DeviceInfo returns the model and firmware revision from the last poll reply.
func (s *Session) DeviceInfo() DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.link.info
}

// Metrics returns the session counters.
func (s *Session) Metrics() *Metrics {
	return &s.metrics
}
