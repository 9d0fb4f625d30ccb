package ebds

import (
	"bytes"
	"fmt"
	"slices"
)

// ExtendedCommand is the sub-command code in byte 3 of an extended frame.
type ExtendedCommand byte

// Extended sub-commands.
const (
	// ExtBarcode is the barcode query request and the "barcode detected" reply.
	ExtBarcode ExtendedCommand = 0x01
)

// String returns the sub-command name.
func (c ExtendedCommand) String() string {
	if c == ExtBarcode {
		return "barcode"
	}

	return fmt.Sprintf("extended(0x%02X)", byte(c))
}

// Barcode reply layout.
const (
	// BarcodeLen is the fixed size of the barcode field.
	BarcodeLen = 28

	// BarcodePad fills unused barcode characters.
	BarcodePad byte = 0x28

	barcodeReplyDataLen = 1 + StatusLen + BarcodeLen
)

// ExtendedRequest is a host extended command.
type ExtendedRequest struct {
	Ack     bool
	Command ExtendedCommand
	Data    []byte
}

// Frame builds the wire frame for the request.
func (r ExtendedRequest) Frame() (Frame, error) {
	return NewBuilder(TypeExtended, r.Ack).
		Append(byte(r.Command)).
		Append(r.Data...).
		Finish()
}

// NewBarcodeQuery builds the extended barcode query. It carries the same
// three data bytes as the poll request.
func NewBarcodeQuery(poll PollRequest) ExtendedRequest {
	return ExtendedRequest{
		Ack:     poll.Ack,
		Command: ExtBarcode,
		Data:    poll.omnibus(),
	}
}

// ParseExtendedRequest decodes a host extended command.
func ParseExtendedRequest(b []byte) (ExtendedRequest, error) {
	f, err := parseFrame(b, TypeExtended, minLength(MinFrameLength+1))
	if err != nil {
		return ExtendedRequest{}, err
	}

	data := f.Data()

	return ExtendedRequest{Ack: f.Ack(), Command: ExtendedCommand(data[0]), Data: data[1:]}, nil
}

// PollRequest interprets the data of a barcode query as a poll request.
func (r ExtendedRequest) PollRequest() (PollRequest, bool) {
	if r.Command != ExtBarcode || len(r.Data) < 3 {
		return PollRequest{}, false
	}

	return pollRequestFromData(r.Ack, r.Data), true
}

// ExtendedResponse is an acceptor extended reply.
type ExtendedResponse struct {
	frame   Frame
	command ExtendedCommand
	payload []byte

	status  *Status
	barcode string
}

var _ Response = (*ExtendedResponse)(nil)

// ParseExtendedResponse validates and decodes an extended reply. A barcode
// reply must carry exactly the status block and the barcode field.
func ParseExtendedResponse(b []byte) (*ExtendedResponse, error) {
	f, err := parseFrame(b, TypeExtended, minLength(MinFrameLength+1))
	if err != nil {
		return nil, err
	}

	data := f.Data()
	r := &ExtendedResponse{
		frame:   f,
		command: ExtendedCommand(data[0]),
		payload: data[1:],
	}

	if r.command == ExtBarcode {
		if len(data) != barcodeReplyDataLen {
			return nil, fmt.Errorf("%w: barcode reply carries %d data bytes, want %d",
				ErrUnexpectedLength, len(data), barcodeReplyDataLen)
		}

		st := DecodeStatus(r.payload[:StatusLen])
		r.status = &st
		r.barcode = string(bytes.TrimRight(r.payload[StatusLen:], string([]byte{BarcodePad, 0x00})))
	}

	return r, nil
}

// NewBarcodeResponse builds a "barcode detected" reply frame.
func NewBarcodeResponse(ack bool, status [StatusLen]byte, barcode string) (Frame, error) {
	if len(barcode) > BarcodeLen {
		return nil, fmt.Errorf("%w: barcode has %d characters, max %d", ErrDataTooLong, len(barcode), BarcodeLen)
	}

	field := bytes.Repeat([]byte{BarcodePad}, BarcodeLen)
	copy(field, barcode)

	return NewBuilder(TypeExtended, ack).
		Append(byte(ExtBarcode)).
		Append(status[:]...).
		Append(field...).
		Finish()
}

// Frame returns the validated wire frame.
func (r *ExtendedResponse) Frame() Frame { return r.frame }

// Type returns TypeExtended.
func (r *ExtendedResponse) Type() MsgType { return r.frame.Type() }

// Ack returns the ACK bit of the reply.
func (r *ExtendedResponse) Ack() bool { return r.frame.Ack() }

// Command returns the sub-command code.
func (r *ExtendedResponse) Command() ExtendedCommand { return r.command }

// Payload returns a copy of the bytes following the sub-command code.
func (r *ExtendedResponse) Payload() []byte { return slices.Clone(r.payload) }

// Status returns the embedded acceptor status of a barcode reply.
func (r *ExtendedResponse) Status() (*Status, bool) {
	return r.status, r.status != nil
}

// Barcode returns the detected barcode with padding removed.
func (r *ExtendedResponse) Barcode() (string, bool) {
	return r.barcode, r.status != nil
}

// Violations returns the protocol violations of the embedded status, if any.
func (r *ExtendedResponse) Violations() []error {
	if r.status == nil {
		return nil
	}

	return r.status.Violations()
}
