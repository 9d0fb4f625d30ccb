package acceptor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arloliu/go-ebds/ebds"
	"github.com/arloliu/go-ebds/internal/pool"
)

// command is a deferred non-poll exchange.
//
// While the session runs, commands wait in the queue and the worker services
// them one at a time. A command that is not done after a cycle stays in the
// single in-flight slot and is retried before anything else.
type command struct {
	id   uint64
	name string

	// build returns the request for the given ack bit.
	build func(ack bool) (ebds.Frame, error)
	// check validates that a reply answers the request. nil accepts any reply.
	check func(ebds.Response) error
	// noReply marks a request the device never answers.
	noReply bool

	// issues and mismatches are owned by the goroutine servicing the command.
	issues     []error
	mismatches int

	resp ebds.Response
	err  error
	done chan struct{}
	once sync.Once
}

// finish records the result once. It returns false if the command was
// already finished.
func (c *command) finish(resp ebds.Response, err error) bool {
	finished := false
	c.once.Do(func() {
		c.resp, c.err = resp, err
		close(c.done)
		finished = true
	})

	return finished
}

func (c *command) isFinished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// submit runs cmd and waits for its reply.
//
// A running session queues cmd for the worker. A closed session runs it on
// the calling goroutine without starting the worker.
func (s *Session) submit(ctx context.Context, cmd *command) (ebds.Response, error) {
	cmd.id = s.nextCmdID.Add(1)
	cmd.done = make(chan struct{})

	for {
		switch s.opState.Get() {
		case RunningState:
			if s.enqueue(cmd) {
				return s.await(ctx, cmd)
			}
		case ClosedState:
			if s.opState.ToOpening() {
				return s.runDetached(ctx, cmd)
			}
		case ClosingState:
			return nil, ErrSessionClosed
		default:
			return nil, ErrSessionBusy
		}
	}
}

func (s *Session) enqueue(cmd *command) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opState.IsRunning() {
		return false
	}

	s.commands.Store(cmd.id, cmd)
	s.queue.Enqueue(cmd)
	s.metrics.incQueuedCommandGauge()
	s.logger.Debug("command queued", "command", cmd.name, "id", cmd.id, "queued", s.queue.Length())

	return true
}

// await blocks until the worker finishes cmd or ctx is done. A canceled
// command is skipped by the worker.
func (s *Session) await(ctx context.Context, cmd *command) (ebds.Response, error) {
	select {
	case <-cmd.done:
	case <-ctx.Done():
		if cmd.finish(nil, ctx.Err()) {
			s.commands.Delete(cmd.id)
			s.metrics.incCommandFailCount()
		}
	}

	return cmd.resp, cmd.err
}

// runDetached performs open, handshake, send until done, close on the
// calling goroutine. The caller has moved the session to OpeningState.
func (s *Session) runDetached(ctx context.Context, cmd *command) (ebds.Response, error) {
	defer s.opState.Set(ClosedState)

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if err := s.openStream(); err != nil {
		return nil, err
	}
	defer s.teardown()

	if err := s.handshake(ctx); err != nil {
		return nil, err
	}

	for !s.serviceCommand(ctx, cmd) {
		if !pool.Sleep(ctx, s.PollPeriod()) {
			s.completeCommand(cmd, nil, ctx.Err())
			break
		}
	}

	return cmd.resp, cmd.err
}

// nextCommand returns the in-flight command, else the queue head. Commands
// abandoned by their caller are dropped.
func (s *Session) nextCommand() *command {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight != nil {
		return s.inflight
	}

	for {
		cmd, ok := s.queue.Dequeue()
		if !ok {
			return nil
		}
		s.metrics.decQueuedCommandGauge()

		if cmd.isFinished() {
			continue
		}

		s.inflight = cmd

		return cmd
	}
}

// settleCommand clears the in-flight slot once cmd is done.
func (s *Session) settleCommand(cmd *command, done bool) {
	if !done {
		return
	}

	s.mu.Lock()
	if s.inflight == cmd {
		s.inflight = nil
	}
	s.mu.Unlock()
}

// serviceCommand performs one exchange for cmd and reports whether it is
// done. ioMu must be held.
//
// Timeouts, frame violations, protocol violations and replies to another
// command each consume a pardon; once more failures than pardons have
// accumulated the command fails with all of them. An ack mismatch is a
// retransmission request and consumes no pardon, but is bounded by the
// send attempts.
func (s *Session) serviceCommand(ctx context.Context, cmd *command) bool {
	if cmd.isFinished() {
		return true
	}

	s.mu.Lock()
	ack := s.link.ack
	s.mu.Unlock()

	req, err := cmd.build(ack)
	if err != nil {
		s.completeCommand(cmd, nil, err)
		return true
	}

	if cmd.noReply {
		return s.sendUnanswered(cmd, req)
	}

	resp, err := s.exchange(ctx, req)
	if err == nil && resp.Ack() != ack {
		s.metrics.incAckMismatchCount()
		cmd.mismatches++

		if cmd.mismatches >= s.cfg.SendAttempts() {
			s.completeCommand(cmd, nil, fmt.Errorf("%w: %s after %d retransmissions", ErrAckMismatch, cmd.name, cmd.mismatches))
			return true
		}

		s.logger.Debug("command ack mismatch, resend", "command", cmd.name, "ack", ack)

		return false
	}

	if err == nil {
		err = checkReply(resp, cmd.check)
	}

	if err != nil {
		if ctx.Err() != nil {
			return false
		}

		s.recordFailure(err)
		cmd.issues = append(cmd.issues, err)

		if len(cmd.issues) > s.cfg.Pardons() {
			s.completeCommand(cmd, nil, fmt.Errorf("%w: %s: %w", ErrPardonsExhausted, cmd.name, errors.Join(cmd.issues...)))
			return true
		}

		s.metrics.incPardonCount()
		s.logger.Debug("pardon command", "command", cmd.name, "pardons", len(cmd.issues), "error", err)

		return false
	}

	s.mu.Lock()
	s.acceptLocked()
	var notes []Notification
	if st, barcode, ok := replyStatus(resp); ok {
		notes = s.foldStatusLocked(st, barcode)
	}
	s.mu.Unlock()

	s.notify(notes)
	s.completeCommand(cmd, resp, nil)

	return true
}

// sendUnanswered writes a request the device never acknowledges and resets
// the link state afterwards, whatever the device does next.
func (s *Session) sendUnanswered(cmd *command, req ebds.Frame) bool {
	err := s.stream.Write(req.Bytes())
	s.resetLink()

	if err != nil {
		err = fmt.Errorf("%s: %w", cmd.name, err)
	}
	s.completeCommand(cmd, nil, err)

	return true
}

func checkReply(resp ebds.Response, check func(ebds.Response) error) error {
	if v := resp.Violations(); len(v) > 0 {
		return errors.Join(v...)
	}

	if check != nil {
		return check(resp)
	}

	return nil
}

func (s *Session) completeCommand(cmd *command, resp ebds.Response, err error) {
	s.commands.Delete(cmd.id)

	if !cmd.finish(resp, err) {
		return
	}

	if err != nil {
		s.metrics.incCommandFailCount()
		s.logger.Warn("command failed", "command", cmd.name, "error", err)

		return
	}

	s.metrics.incCommandDoneCount()
}

// failPending fails the queued, in-flight and every registered command.
func (s *Session) failPending(err error) {
	s.mu.Lock()
	pending := s.queue.Drain()
	s.metrics.QueuedCommandGauge.Store(0)
	s.inflight = nil
	s.mu.Unlock()

	for _, cmd := range pending {
		s.completeCommand(cmd, nil, err)
	}

	s.commands.Range(func(_ uint64, cmd *command) bool {
		s.completeCommand(cmd, nil, err)
		return true
	})
}
