// Package acceptortest provides an in-memory bill acceptor that answers
// host frames the way a real device does. It implements acceptor.ByteStream
// so sessions can be tested without hardware.
package acceptortest

import (
	"errors"
	"slices"
	"sync"

	"github.com/arloliu/go-ebds/ebds"
)

// Default identity reported in poll replies.
const (
	DefaultModel    byte = 0x41
	DefaultRevision byte = 0x12
	DefaultSerial        = "EMU0000001"
)

// ErrNotOpen is returned by Write and Read on a closed device.
var ErrNotOpen = errors.New("acceptortest: device not open")

// Device is an emulated acceptor. The zero value is not usable; create one
// with NewDevice.
//
// Writes are parsed and answered immediately; the reply is buffered for the
// following Read calls. A Read with nothing buffered returns no bytes, which
// a session treats as a timeout.
type Device struct {
	mu sync.Mutex

	open    bool
	openErr error
	opens   int
	out     []byte

	requests []ebds.Frame
	resets   int

	state          ebds.AcceptorState
	events         ebds.AcceptorEvent
	cashbox        bool
	billType       uint8
	pending        uint8
	barcode        string
	pendingBarcode string

	model    byte
	revision byte
	serial   string

	cashboxMetrics ebds.CashboxMetrics
	unitMetrics    ebds.UnitMetrics
	serviceUsage   ebds.ServiceUsageCounters
	serviceFlags   ebds.ServiceFlags
	serviceInfo    ebds.ServiceInfo
	firmware       ebds.FirmwareMetrics

	drop     int
	corrupt  int
	mismatch int
	violate  int
	silent   bool
}

// NewDevice returns a closed, idle device with the cashbox attached.
func NewDevice() *Device {
	return &Device{
		state:    ebds.StateIdling,
		cashbox:  true,
		model:    DefaultModel,
		revision: DefaultRevision,
		serial:   DefaultSerial,
	}
}

// --- acceptor.ByteStream ---

// IsOpen reports whether the device is open.
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.open
}

// Open opens the device, or returns the error set by FailOpen.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.openErr != nil {
		return d.openErr
	}

	d.open = true
	d.opens++
	d.out = nil

	return nil
}

// Close closes the device and discards buffered reply bytes.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.open = false
	d.out = nil

	return nil
}

// Read returns up to n buffered reply bytes.
func (d *Device) Read(n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return nil, ErrNotOpen
	}

	n = min(n, len(d.out))
	b := slices.Clone(d.out[:n])
	d.out = d.out[n:]

	return b, nil
}

// Write parses one host frame and buffers the reply. Unread bytes of a
// previous reply are discarded first.
func (d *Device) Write(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return ErrNotOpen
	}

	d.out = nil

	if ebds.IsResetRequest(p) {
		d.resets++
		d.resetLocked()

		return nil
	}

	f, err := ebds.DecodeFrame(p)
	if err != nil {
		return nil
	}
	d.requests = append(d.requests, f)

	if d.silent {
		return nil
	}

	if d.drop > 0 {
		d.drop--
		return nil
	}

	reply := d.replyLocked(f)
	if reply == nil {
		return nil
	}

	d.out = d.applyFaultsLocked(reply)

	return nil
}

// --- reply generation ---

func (d *Device) replyLocked(f ebds.Frame) ebds.Frame {
	switch f.Type() {
	case ebds.TypeHostPoll:
		req, err := ebds.ParsePollRequest(f)
		if err != nil {
			return nil
		}

		return d.pollReplyLocked(req)

	case ebds.TypeExtended:
		req, err := ebds.ParseExtendedRequest(f)
		if err != nil {
			return nil
		}

		poll, ok := req.PollRequest()
		if !ok {
			return nil
		}

		return d.pollReplyLocked(poll)

	case ebds.TypeTelemetry:
		req, err := ebds.ParseTelemetryRequest(f)
		if err != nil {
			return nil
		}

		return d.telemetryReplyLocked(req)

	default:
		return nil
	}
}

// pollReplyLocked advances the bill path by one step and reports it.
//
// Idling -> Escrowed (escrow enabled) -> Stacking -> Idling+Stacked, or
// Escrowed -> Returning -> Idling+Returned. A bill outside the acceptance
// mask is rejected; with escrow disabled it is stacked directly.
func (d *Device) pollReplyLocked(req ebds.PollRequest) ebds.Frame {
	replyBillType := d.billType

	switch d.state {
	case ebds.StateIdling:
		switch {
		case d.pending != 0:
			bt := d.pending
			d.pending = 0

			switch {
			case req.AcceptanceMask&(1<<(bt-1)) == 0:
				d.events |= ebds.EventBillRejected
			case req.Escrow:
				d.state, d.billType = ebds.StateEscrowed, bt
			default:
				d.state, d.billType = ebds.StateStacking, bt
			}
		case d.pendingBarcode != "" && req.Barcode:
			d.state, d.barcode = ebds.StateEscrowed, d.pendingBarcode
			d.pendingBarcode = ""
		}
		replyBillType = d.billType

	case ebds.StateEscrowed:
		switch {
		case req.Stack:
			d.state = ebds.StateStacking
		case req.Return:
			d.state = ebds.StateReturning
		}

	case ebds.StateStacking:
		d.state = ebds.StateIdling
		d.events |= ebds.EventStacked
		d.billType, d.barcode = 0, ""

	case ebds.StateReturning:
		d.state = ebds.StateIdling
		d.events |= ebds.EventReturned
		d.billType, d.barcode = 0, ""
	}

	status := ebds.EncodeStatus(d.state, d.events, d.cashbox, replyBillType, d.model, d.revision)
	d.events = ebds.EventNone

	if d.state == ebds.StateEscrowed && d.barcode != "" {
		f, err := ebds.NewBarcodeResponse(req.Ack, status, d.barcode)
		if err == nil {
			return f
		}
	}

	return ebds.NewPollResponse(req.Ack, status)
}

func (d *Device) telemetryReplyLocked(req ebds.TelemetryRequest) ebds.Frame {
	var payload []byte

	switch req.Command {
	case ebds.TelPing:
	case ebds.TelGetSerialNumber:
		payload = make([]byte, ebds.SerialNumberLen)
		copy(payload, d.serial)
	case ebds.TelGetCashboxMetrics:
		payload = d.cashboxMetrics.Encode()
	case ebds.TelClearCashboxCount:
		d.cashboxMetrics.BillsSinceRemoval = 0
	case ebds.TelGetUnitMetrics:
		payload = d.unitMetrics.Encode()
	case ebds.TelGetServiceUsageCounters:
		payload = d.serviceUsage.Encode()
	case ebds.TelGetServiceFlags:
		payload = d.serviceFlags.Encode()
	case ebds.TelClearServiceFlags:
		if len(req.Data) > 0 && int(req.Data[0]) < len(d.serviceFlags) {
			d.serviceFlags[req.Data[0]] = false
		}
	case ebds.TelGetServiceInfo:
		payload = d.serviceInfo.Encode()
	case ebds.TelGetFirmwareMetrics:
		payload = d.firmware.Encode()
	default:
		return nil
	}

	f, err := ebds.NewTelemetryResponse(req.Ack, req.Command, payload)
	if err != nil {
		return nil
	}

	return f
}

func (d *Device) applyFaultsLocked(f ebds.Frame) []byte {
	if d.violate > 0 && f.Type() == ebds.TypeAcceptorPoll {
		d.violate--
		// Idling and Accepting at once.
		f = f.Edit().SetByte(0, f.DataByte(0)|0x03).MustFinish()
	}

	if d.mismatch > 0 {
		d.mismatch--
		f = f.Edit().SetAck(!f.Ack()).MustFinish()
	}

	b := f.Bytes()

	if d.corrupt > 0 {
		d.corrupt--
		b[len(b)-1] ^= 0xFF
	}

	return b
}

func (d *Device) resetLocked() {
	d.state = ebds.StateIdling
	d.events = ebds.EventPowerUp
	d.billType, d.pending = 0, 0
	d.barcode, d.pendingBarcode = "", ""
	d.drop, d.corrupt, d.mismatch, d.violate = 0, 0, 0, 0
}

// --- scripting ---

// InsertBill feeds a bill of the given type (1..7) on the next poll.
func (d *Device) InsertBill(billType uint8) {
	d.mu.Lock()
	d.pending = billType
	d.mu.Unlock()
}

// InsertBarcode feeds a barcode ticket, escrowed on the next poll that
// requests barcode detection.
func (d *Device) InsertBarcode(code string) {
	d.mu.Lock()
	d.pendingBarcode = code
	d.mu.Unlock()
}

// RemoveCashbox detaches the cashbox.
func (d *Device) RemoveCashbox() {
	d.mu.Lock()
	d.cashbox = false
	d.mu.Unlock()
}

// AttachCashbox attaches the cashbox.
func (d *Device) AttachCashbox() {
	d.mu.Lock()
	d.cashbox = true
	d.mu.Unlock()
}

// RaiseEvents reports ev once on the next poll reply.
func (d *Device) RaiseEvents(ev ebds.AcceptorEvent) {
	d.mu.Lock()
	d.events |= ev
	d.mu.Unlock()
}

// SetState forces the reported state.
func (d *Device) SetState(state ebds.AcceptorState) {
	d.mu.Lock()
	d.state = state
	d.mu.Unlock()
}

// SetSerialNumber sets the serial number reply.
func (d *Device) SetSerialNumber(serial string) {
	d.mu.Lock()
	d.serial = serial
	d.mu.Unlock()
}

// SetCashboxMetrics sets the cashbox metrics reply.
func (d *Device) SetCashboxMetrics(m ebds.CashboxMetrics) {
	d.mu.Lock()
	d.cashboxMetrics = m
	d.mu.Unlock()
}

// SetUnitMetrics sets the unit metrics reply.
func (d *Device) SetUnitMetrics(m ebds.UnitMetrics) {
	d.mu.Lock()
	d.unitMetrics = m
	d.mu.Unlock()
}

// SetServiceUsageCounters sets the service usage reply.
func (d *Device) SetServiceUsageCounters(m ebds.ServiceUsageCounters) {
	d.mu.Lock()
	d.serviceUsage = m
	d.mu.Unlock()
}

// SetServiceFlags sets the service flags reply.
func (d *Device) SetServiceFlags(f ebds.ServiceFlags) {
	d.mu.Lock()
	d.serviceFlags = f
	d.mu.Unlock()
}

// SetServiceInfo sets the service info reply.
func (d *Device) SetServiceInfo(m ebds.ServiceInfo) {
	d.mu.Lock()
	d.serviceInfo = m
	d.mu.Unlock()
}

// SetFirmwareMetrics sets the firmware metrics reply.
func (d *Device) SetFirmwareMetrics(m ebds.FirmwareMetrics) {
	d.mu.Lock()
	d.firmware = m
	d.mu.Unlock()
}

// --- fault injection ---

// FailOpen makes Open return err. A nil err restores normal behavior.
func (d *Device) FailOpen(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

// DropReplies leaves the next n requests unanswered.
func (d *Device) DropReplies(n int) {
	d.mu.Lock()
	d.drop = n
	d.mu.Unlock()
}

// CorruptReplies flips the checksum of the next n replies.
func (d *Device) CorruptReplies(n int) {
	d.mu.Lock()
	d.corrupt = n
	d.mu.Unlock()
}

// MismatchAcks inverts the ack bit of the next n replies.
func (d *Device) MismatchAcks(n int) {
	d.mu.Lock()
	d.mismatch = n
	d.mu.Unlock()
}

// ViolateReplies sets two state bits in the next n poll replies.
func (d *Device) ViolateReplies(n int) {
	d.mu.Lock()
	d.violate = n
	d.mu.Unlock()
}

// SetSilent makes the device stop answering until called with false.
func (d *Device) SetSilent(silent bool) {
	d.mu.Lock()
	d.silent = silent
	d.mu.Unlock()
}

// --- inspection ---

// Requests returns every well-formed host frame received, in order.
func (d *Device) Requests() []ebds.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()

	return slices.Clone(d.requests)
}

// PollRequests returns the received poll requests, in order.
func (d *Device) PollRequests() []ebds.PollRequest {
	d.mu.Lock()
	defer d.mu.Unlock()

	var polls []ebds.PollRequest
	for _, f := range d.requests {
		if req, err := ebds.ParsePollRequest(f); err == nil {
			polls = append(polls, req)
		}
	}

	return polls
}

// ClearRequests forgets the received frames.
func (d *Device) ClearRequests() {
	d.mu.Lock()
	d.requests = nil
	d.mu.Unlock()
}

// Resets returns the number of reset requests received.
func (d *Device) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.resets
}

// Opens returns the number of successful Open calls.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.opens
}

// State returns the emulated acceptor state.
func (d *Device) State() ebds.AcceptorState {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}
