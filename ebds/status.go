package ebds

import "errors"

// Status is a decoded six-byte acceptor status block, as carried by poll
// replies and by extended barcode replies.
type Status struct {
	raw        [StatusLen]byte
	state      AcceptorState
	events     AcceptorEvent
	violations []error
}

// DecodeStatus folds the first StatusLen bytes of b. Missing bytes read as zero.
func DecodeStatus(b []byte) Status {
	var st Status
	copy(st.raw[:], b)
	st.state, st.events, st.violations = FoldStatus(st.raw[:])

	return st
}

// Raw returns the status bytes.
func (s *Status) Raw() [StatusLen]byte { return s.raw }

// State returns the acceptor state.
func (s *Status) State() AcceptorState { return s.state }

// Events returns the events reported in this status.
func (s *Status) Events() AcceptorEvent { return s.events }

// CashboxPresent reports whether the cashbox is attached.
func (s *Status) CashboxPresent() bool { return CashboxPresent(s.raw[:]) }

// BillType returns the reported bill type; ok is false when no credit is reported.
func (s *Status) BillType() (uint8, bool) { return BillType(s.raw[:]) }

// Model returns the device model number.
func (s *Status) Model() byte { return s.raw[modelByte] }

// Revision returns the firmware revision.
func (s *Status) Revision() byte { return s.raw[revisionByte] }

// Violations returns the protocol violations found while folding the status.
func (s *Status) Violations() []error { return s.violations }

// HasProtocolViolation reports whether any protocol violation was found.
func (s *Status) HasProtocolViolation() bool { return len(s.violations) > 0 }

// Err joins the protocol violations, or returns nil if there are none.
func (s *Status) Err() error { return errors.Join(s.violations...) }
