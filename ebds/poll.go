package ebds

import "fmt"

// Poll frame lengths.
const (
	PollRequestLen  = 8
	PollResponseLen = frameOverhead + StatusLen
)

// AcceptAll enables every denomination in the acceptance mask.
const AcceptAll byte = 0x7F

// Poll request payload layout.
const (
	maskByte   = 0
	flagsByte  = 1
	escrowBit  = 4
	stackBit   = 5
	returnBit  = 6
	flags2Byte = 2
	barcodeBit = 1
)

// PollRequest is the routine host to acceptor status message.
type PollRequest struct {
	Ack bool

	// AcceptanceMask enables one denomination per bit; only the low 7 bits are used.
	AcceptanceMask byte

	Escrow  bool
	Stack   bool
	Return  bool
	Barcode bool
}

// Frame builds the wire frame for the request.
func (r PollRequest) Frame() Frame {
	return NewBuilder(TypeHostPoll, r.Ack).
		SetByte(maskByte, r.AcceptanceMask&AcceptAll).
		SetBit(flagsByte, escrowBit, r.Escrow).
		SetBit(flagsByte, stackBit, r.Stack).
		SetBit(flagsByte, returnBit, r.Return).
		SetBit(flags2Byte, barcodeBit, r.Barcode).
		MustFinish()
}

// omnibus returns the three poll data bytes, shared with the extended
// barcode query.
func (r PollRequest) omnibus() []byte {
	return r.Frame().Data()
}

// ParsePollRequest decodes a host poll request.
func ParsePollRequest(b []byte) (PollRequest, error) {
	f, err := parseFrame(b, TypeHostPoll, exactLength(PollRequestLen))
	if err != nil {
		return PollRequest{}, err
	}

	return pollRequestFromData(f.Ack(), f.Data()), nil
}

func pollRequestFromData(ack bool, data []byte) PollRequest {
	return PollRequest{
		Ack:            ack,
		AcceptanceMask: data[maskByte] & AcceptAll,
		Escrow:         ByteBit(data, flagsByte, escrowBit),
		Stack:          ByteBit(data, flagsByte, stackBit),
		Return:         ByteBit(data, flagsByte, returnBit),
		Barcode:        ByteBit(data, flags2Byte, barcodeBit),
	}
}

// PollResponse is the acceptor reply to a poll request.
type PollResponse struct {
	Status

	frame Frame
}

var _ Response = (*PollResponse)(nil)

// ParsePollResponse validates and decodes an acceptor poll reply.
//
// Frame violations are returned as errors. Protocol violations do not fail
// parsing; they are available from [Status.Violations].
func ParsePollResponse(b []byte) (*PollResponse, error) {
	f, err := parseFrame(b, TypeAcceptorPoll, exactLength(PollResponseLen))
	if err != nil {
		return nil, err
	}

	return &PollResponse{Status: DecodeStatus(f.Data()), frame: f}, nil
}

// NewPollResponse builds an acceptor poll reply frame from status bytes.
func NewPollResponse(ack bool, status [StatusLen]byte) Frame {
	return NewBuilder(TypeAcceptorPoll, ack).Append(status[:]...).MustFinish()
}

// Frame returns the validated wire frame.
func (r *PollResponse) Frame() Frame { return r.frame }

// Type returns TypeAcceptorPoll.
func (r *PollResponse) Type() MsgType { return r.frame.Type() }

// Ack returns the ACK bit of the reply.
func (r *PollResponse) Ack() bool { return r.frame.Ack() }

// String summarizes the reply for logging.
func (r *PollResponse) String() string {
	bt, _ := r.BillType()

	return fmt.Sprintf("poll{state=%s events=%s cashbox=%t billType=%d violations=%d}",
		r.State(), r.Events(), r.CashboxPresent(), bt, len(r.Violations()))
}
