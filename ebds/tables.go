package ebds

import (
	"fmt"
	"strings"
)

// StatusLen is the number of status bytes in a poll reply payload.
const StatusLen = 6

// AcceptorState is the mutually exclusive operating state of the acceptor.
type AcceptorState uint8

// Acceptor states. The device reports stacked and returned as events, so
// StateStacked and StateReturned never come out of FoldStatus; they name the
// outcome of an escrow episode for callers that track one.
const (
	StateUnknown AcceptorState = iota
	StateIdling
	StateAccepting
	StateEscrowed
	StateStacking
	StateStacked
	StateReturning
	StateReturned
	StateBillJammed
	StateStackerFull
	StateFailure
)

var stateNames = [...]string{
	StateUnknown:     "unknown",
	StateIdling:      "idling",
	StateAccepting:   "accepting",
	StateEscrowed:    "escrowed",
	StateStacking:    "stacking",
	StateStacked:     "stacked",
	StateReturning:   "returning",
	StateReturned:    "returned",
	StateBillJammed:  "bill-jammed",
	StateStackerFull: "stacker-full",
	StateFailure:     "failure",
}

// String returns the state name.
func (s AcceptorState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("state(%d)", s)
}

// AcceptorEvent is a set of one-shot event flags reported in a poll reply.
type AcceptorEvent uint8

// Acceptor events. Events combine with bitwise OR.
const (
	EventStacked AcceptorEvent = 1 << iota
	EventReturned
	EventCheated
	EventBillRejected
	EventInvalidCommand
	EventPowerUp

	// EventNone is the empty event set.
	EventNone AcceptorEvent = 0
)

var eventNames = []struct {
	ev   AcceptorEvent
	name string
}{
	{EventStacked, "stacked"},
	{EventReturned, "returned"},
	{EventCheated, "cheated"},
	{EventBillRejected, "bill-rejected"},
	{EventInvalidCommand, "invalid-command"},
	{EventPowerUp, "power-up"},
}

// Has reports whether every flag in ev is set in e.
func (e AcceptorEvent) Has(ev AcceptorEvent) bool {
	return ev != 0 && e&ev == ev
}

// String returns the flag names joined with "|".
func (e AcceptorEvent) String() string {
	if e == EventNone {
		return "none"
	}

	names := make([]string, 0, len(eventNames))
	for _, n := range eventNames {
		if e.Has(n.ev) {
			names = append(names, n.name)
		}
	}

	return strings.Join(names, "|")
}

// bitPos addresses one bit of the status payload.
type bitPos struct {
	byteIdx int
	bit     uint
}

type stateBit struct {
	state AcceptorState
	pos   bitPos
}

type eventBit struct {
	event AcceptorEvent
	pos   bitPos
}

// stateTable lists the exclusive state positions.
var stateTable = [...]stateBit{
	{StateIdling, bitPos{0, 0}},
	{StateAccepting, bitPos{0, 1}},
	{StateEscrowed, bitPos{0, 2}},
	{StateStacking, bitPos{0, 3}},
	{StateReturning, bitPos{0, 5}},
	{StateBillJammed, bitPos{1, 2}},
	{StateStackerFull, bitPos{1, 3}},
	{StateFailure, bitPos{2, 2}},
}

// eventTable lists the independently combinable event positions.
var eventTable = [...]eventBit{
	{EventStacked, bitPos{0, 4}},
	{EventReturned, bitPos{0, 6}},
	{EventCheated, bitPos{1, 0}},
	{EventBillRejected, bitPos{1, 1}},
	{EventPowerUp, bitPos{2, 0}},
	{EventInvalidCommand, bitPos{2, 1}},
}

// reservedMask lists, per status byte, the bits that must be zero.
var reservedMask = [StatusLen]byte{
	0: 0x80,
	1: 0xE0, // bits 5-7
	2: 0xC0, // bits 6-7
	3: 0xC0, // bits 6-7
	4: 0x80, // model number is 7-bit
	5: 0x80, // revision is 7-bit
}

// Cashbox presence and bill type positions.
const (
	cashboxByte  = 1
	cashboxBit   = 4
	billTypeByte = 2
	billTypeMask = 0x38
	billTypeBit  = 3
	modelByte    = 4
	revisionByte = 5
)

// ByteBit reports whether bit of status byte byteIdx is set.
// Out-of-range positions read as unset.
func ByteBit(status []byte, byteIdx int, bit uint) bool {
	if byteIdx < 0 || byteIdx >= len(status) || bit > 7 {
		return false
	}

	return status[byteIdx]&(1<<bit) != 0
}

// FoldStatus folds the status bytes of a poll reply into a state, an event
// set, and the protocol violations found.
//
// Exactly one position of the state table must be set. Zero or several
// state bits fold to StateUnknown with a violation, whatever events are set.
func FoldStatus(status []byte) (AcceptorState, AcceptorEvent, []error) {
	var violations []error

	state := StateUnknown
	count := 0

	for _, s := range stateTable {
		if ByteBit(status, s.pos.byteIdx, s.pos.bit) {
			count++
			if count == 1 {
				state = s.state
			}
		}
	}

	events := EventNone
	for _, e := range eventTable {
		if ByteBit(status, e.pos.byteIdx, e.pos.bit) {
			events |= e.event
		}
	}

	switch {
	case count > 1:
		violations = append(violations, fmt.Errorf("%w: %d bits", ErrMultipleStates, count))
		state = StateUnknown
	case count == 0:
		violations = append(violations, ErrNoState)
	}

	violations = append(violations, ReservedViolations(status)...)

	return state, events, violations
}

// ReservedViolations returns one error per status byte with reserved bits set.
func ReservedViolations(status []byte) []error {
	var errs []error
	for i, mask := range reservedMask {
		if i >= len(status) {
			break
		}

		if bits := status[i] & mask; bits != 0 {
			errs = append(errs, fmt.Errorf("%w: byte %d bits 0x%02X", ErrReservedBit, i, bits))
		}
	}

	return errs
}

// CashboxPresent reports whether the cashbox-present bit is set.
func CashboxPresent(status []byte) bool {
	return ByteBit(status, cashboxByte, cashboxBit)
}

// BillType extracts the 3-bit bill type. ok is false when none of the
// three bits is set, which means no credit is reported.
func BillType(status []byte) (billType uint8, ok bool) {
	if len(status) <= billTypeByte {
		return 0, false
	}

	v := (status[billTypeByte] & billTypeMask) >> billTypeBit

	return v, v != 0
}

// EncodeStatus is the inverse of FoldStatus. It is used to build poll replies.
func EncodeStatus(state AcceptorState, events AcceptorEvent, cashbox bool, billType uint8, model, revision byte) [StatusLen]byte {
	var st [StatusLen]byte

	for _, s := range stateTable {
		if s.state == state {
			st[s.pos.byteIdx] |= 1 << s.pos.bit
		}
	}

	for _, e := range eventTable {
		if events.Has(e.event) {
			st[e.pos.byteIdx] |= 1 << e.pos.bit
		}
	}

	if cashbox {
		st[cashboxByte] |= 1 << cashboxBit
	}

	st[billTypeByte] |= (billType << billTypeBit) & billTypeMask
	st[modelByte] = model & 0x7F
	st[revisionByte] = revision & 0x7F

	return st
}
