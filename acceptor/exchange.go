package acceptor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-ebds/ebds"
	"github.com/arloliu/go-ebds/internal/pool"
)

// headerLen is the number of bytes read before the declared length is known.
const headerLen = 2

type pollResult uint8

const (
	pollOK pollResult = iota
	pollTimeout
	pollInvalid
	pollAckMismatch
	pollCanceled
)

// exchange writes req and reads one reply. When no reply arrives the same
// bytes are re-sent, sleeping (attempt-1) * backoff before each re-send,
// until the configured attempts are used up. ioMu must be held.
//
// Frame violations are returned as errors without re-sending; the caller
// decides whether to retry the message.
func (s *Session) exchange(ctx context.Context, req ebds.Frame) (ebds.Response, error) {
	attempts := s.cfg.SendAttempts()

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			s.metrics.incRetryCount()
			if !pool.Sleep(ctx, time.Duration(attempt-1)*s.cfg.RetryBackoff()) {
				return nil, ctx.Err()
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := s.stream.Write(req.Bytes()); err != nil {
			s.logger.Debug("write request failed", "attempt", attempt, "error", err)
			continue
		}

		reply, ok := s.readReply()
		if !ok {
			s.logger.Debug("read reply timeout", "attempt", attempt, "request", req.String())
			continue
		}

		return ebds.DecodeResponse(reply)
	}

	return nil, fmt.Errorf("%w after %d attempts", ErrTimeout, attempts)
}

// readReply reads the start and length bytes, then the rest of the frame.
// ok is false when the first read yields fewer than two bytes. A short
// second read returns the truncated frame for the decoder to reject.
func (s *Session) readReply() (reply []byte, ok bool) {
	head, err := s.stream.Read(headerLen)
	if err != nil {
		s.logger.Debug("read reply header failed", "error", err)
	}

	if len(head) < headerLen {
		return nil, false
	}

	declared := int(head[1])
	if head[0] != ebds.STX || declared <= headerLen {
		return head, true
	}

	rest, err := s.stream.Read(declared - headerLen)
	if err != nil {
		s.logger.Debug("read reply body failed", "error", err)
	}

	return append(head, rest...), true
}

// recordFailure accounts for a failed exchange and raises connection-lost
// on the first timeout.
func (s *Session) recordFailure(err error) {
	switch {
	case errors.Is(err, ErrTimeout):
		s.metrics.incTimeoutCount()

		s.mu.Lock()
		edge := !s.link.connLost
		s.link.connLost = true
		s.mu.Unlock()

		if edge {
			s.logger.Warn("connection lost", "error", err)
			s.notify([]Notification{{Kind: ConnectionLost}})
		}

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// stopping

	case ebds.IsFrameViolation(err), errors.Is(err, ebds.ErrUnexpectedCommand):
		s.metrics.incFrameViolationCount()
		s.logger.Debug("discard malformed reply", "error", err)

	default:
		s.metrics.incProtocolViolationCount()
		s.logger.Debug("discard invalid reply", "error", err)
	}
}

// acceptLocked commits a valid, ack matched exchange. mu must be held.
func (s *Session) acceptLocked() {
	s.link.ack = !s.link.ack
	s.link.connLost = false
	s.metrics.incResponseCount()
}

// pollRequest builds the next poll from the current settings and link state.
func (s *Session) pollRequest() ebds.PollRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	return ebds.PollRequest{
		Ack:            s.link.ack,
		AcceptanceMask: s.settings.mask,
		Escrow:         s.settings.escrow,
		Stack:          s.link.stackReq,
		Return:         s.link.returnReq,
		Barcode:        s.settings.barcode,
	}
}

// pollCycle sends one poll and folds the reply into the session state.
// ioMu must be held.
func (s *Session) pollCycle(ctx context.Context) pollResult {
	req := s.pollRequest()
	s.metrics.incPollCount()

	resp, err := s.exchange(ctx, req.Frame())
	if err != nil {
		s.recordFailure(err)

		switch {
		case errors.Is(err, ErrTimeout):
			return pollTimeout
		case ctx.Err() != nil:
			return pollCanceled
		default:
			return pollInvalid
		}
	}

	if resp.Ack() != req.Ack {
		s.metrics.incAckMismatchCount()
		s.logger.Debug("poll ack mismatch, resend", "ack", req.Ack)

		return pollAckMismatch
	}

	st, barcode, ok := replyStatus(resp)
	if !ok {
		s.recordFailure(fmt.Errorf("%w: %s reply to poll", ebds.ErrUnexpectedCommand, resp.Type()))
		return pollInvalid
	}

	if st.HasProtocolViolation() {
		s.recordFailure(st.Err())
		return pollInvalid
	}

	s.mu.Lock()
	s.acceptLocked()
	if req.Stack {
		s.link.stackReq = false
	}
	if req.Return {
		s.link.returnReq = false
	}
	notes := s.foldStatusLocked(st, barcode)
	s.mu.Unlock()

	s.notify(notes)

	return pollOK
}

// replyStatus extracts the status block carried by a poll reply or an
// extended barcode reply.
func replyStatus(resp ebds.Response) (st *ebds.Status, barcode string, ok bool) {
	switch r := resp.(type) {
	case *ebds.PollResponse:
		return &r.Status, "", true
	case *ebds.ExtendedResponse:
		if st, ok = r.Status(); !ok {
			return nil, "", false
		}
		barcode, _ = r.Barcode()

		return st, barcode, true
	default:
		return nil, "", false
	}
}

// foldStatusLocked diffs st against the last known values and returns the
// edge-triggered notifications to deliver. mu must be held.
func (s *Session) foldStatusLocked(st *ebds.Status, barcode string) []Notification {
	var notes []Notification

	state := st.State()
	if !s.link.hasState || state != s.link.state {
		notes = append(notes, Notification{Kind: StateChanged, State: state, PrevState: s.link.state})
		s.link.state = state
		s.link.hasState = true
	}

	events := st.Events()
	if events != ebds.EventNone {
		notes = append(notes, Notification{Kind: EventsReported, Events: events})
	}

	if present := st.CashboxPresent(); present && s.link.cashbox != cashboxAttached {
		s.link.cashbox = cashboxAttached
		notes = append(notes, Notification{Kind: CashboxAttached})
	} else if !present && s.link.cashbox != cashboxRemoved {
		s.link.cashbox = cashboxRemoved
		notes = append(notes, Notification{Kind: CashboxRemoved})
	}

	billType, hasBillType := st.BillType()
	if state == ebds.StateEscrowed {
		if hasBillType && !s.link.escrowLatched {
			s.link.escrowLatched = true
			notes = append(notes, Notification{Kind: BillEscrowed, BillType: billType, HasBillType: true})
		}
	} else {
		s.link.escrowLatched = false
		s.link.barcode = ""
	}

	if events.Has(ebds.EventStacked) {
		notes = append(notes, Notification{Kind: BillStacked, BillType: billType, HasBillType: hasBillType})
	}

	if barcode != "" && barcode != s.link.barcode {
		s.link.barcode = barcode
		notes = append(notes, Notification{Kind: BarcodeDetected, Barcode: barcode})
	}

	s.link.info = DeviceInfo{Model: st.Model(), Revision: st.Revision(), Valid: true}

	return notes
}
