package ebds

import (
	"fmt"
	"slices"
)

// Frame delimiters.
const (
	// STX starts every frame.
	STX byte = 0x02
	// ETX precedes the trailing checksum byte.
	ETX byte = 0x03
)

// Frame size limits.
const (
	// frameOverhead is STX, LENGTH, TYPE_AND_ACK, ETX and CHECKSUM.
	frameOverhead = 5

	// dataOffset is the index of the first data byte.
	dataOffset = 3

	// MinFrameLength is the length of a frame with an empty payload.
	MinFrameLength = frameOverhead

	// MaxFrameLength is the largest value the one-byte LENGTH field can carry.
	MaxFrameLength = 0xFF

	// MaxDataLength is the largest payload a single frame can carry.
	MaxDataLength = MaxFrameLength - frameOverhead
)

// MsgType is the message type carried in the high nibble of TYPE_AND_ACK.
type MsgType byte

// Message types.
const (
	// TypeHostPoll is the host to acceptor poll (omnibus) request.
	TypeHostPoll MsgType = 0x1
	// TypeAcceptorPoll is the acceptor to host poll reply.
	TypeAcceptorPoll MsgType = 0x2
	// TypeTelemetry is used by telemetry requests, replies, and the reset request.
	TypeTelemetry MsgType = 0x6
	// TypeExtended is used by extended command requests and replies.
	TypeExtended MsgType = 0x7
)

// String returns the name of the message type.
func (t MsgType) String() string {
	switch t {
	case TypeHostPoll:
		return "host-poll"
	case TypeAcceptorPoll:
		return "acceptor-poll"
	case TypeTelemetry:
		return "telemetry"
	case TypeExtended:
		return "extended"
	default:
		return fmt.Sprintf("unknown(0x%X)", byte(t))
	}
}

// Frame is one complete wire message:
//
//	[STX][LENGTH][TYPE_AND_ACK][DATA...][ETX][CHECKSUM]
//
// A Frame returned by [Builder.Finish] or one of the decode functions is
// always well-formed. Frames are treated as immutable; use [Frame.Edit] to
// derive a modified copy, which recomputes the checksum on Finish.
type Frame []byte

// Length returns the LENGTH field.
func (f Frame) Length() int {
	return int(f[1])
}

// Type returns the message type nibble.
func (f Frame) Type() MsgType {
	return MsgType(f[2] >> 4)
}

// Ack returns the ACK toggle bit.
func (f Frame) Ack() bool {
	return f[2]&0x01 != 0
}

// DataLen returns the number of payload bytes.
func (f Frame) DataLen() int {
	return len(f) - frameOverhead
}

// Data returns a copy of the payload bytes.
func (f Frame) Data() []byte {
	return slices.Clone(f[dataOffset : len(f)-2])
}

// DataByte returns payload byte i, or 0 if i is out of range.
func (f Frame) DataByte(i int) byte {
	if i < 0 || i >= f.DataLen() {
		return 0
	}

	return f[dataOffset+i]
}

// Checksum returns the trailing checksum byte.
func (f Frame) Checksum() byte {
	return f[len(f)-1]
}

// Bytes returns a copy of the wire bytes.
func (f Frame) Bytes() []byte {
	return slices.Clone([]byte(f))
}

// Edit returns a Builder initialized from f.
func (f Frame) Edit() *Builder {
	return &Builder{
		typ:  f.Type(),
		ack:  f.Ack(),
		data: f.Data(),
	}
}

// String returns the frame as space separated hex bytes.
func (f Frame) String() string {
	return fmt.Sprintf("% X", []byte(f))
}

// Checksum computes the XOR of every byte strictly between STX and the
// trailing ETX/CHECKSUM pair, i.e. b[1] through b[len(b)-3].
func Checksum(b []byte) byte {
	var cs byte
	for i := 1; i < len(b)-2; i++ {
		cs ^= b[i]
	}

	return cs
}

// Builder assembles a Frame. The checksum is computed once, in Finish, so a
// frame can never leave the builder with a stale checksum.
type Builder struct {
	typ  MsgType
	ack  bool
	data []byte
}

// NewBuilder creates a Builder for the given message type and ACK bit.
func NewBuilder(typ MsgType, ack bool) *Builder {
	return &Builder{typ: typ, ack: ack}
}

// SetAck sets the ACK toggle bit.
func (b *Builder) SetAck(ack bool) *Builder {
	b.ack = ack
	return b
}

// SetByte sets payload byte i, growing the payload with zeros if needed.
func (b *Builder) SetByte(i int, v byte) *Builder {
	b.grow(i + 1)
	b.data[i] = v

	return b
}

// SetBit sets or clears bit of payload byte i, growing the payload if needed.
func (b *Builder) SetBit(i int, bit uint, v bool) *Builder {
	b.grow(i + 1)
	if v {
		b.data[i] |= 1 << bit
	} else {
		b.data[i] &^= 1 << bit
	}

	return b
}

// Append appends bytes to the payload.
func (b *Builder) Append(v ...byte) *Builder {
	b.data = append(b.data, v...)
	return b
}

// Data returns a copy of the current payload.
func (b *Builder) Data() []byte {
	return slices.Clone(b.data)
}

func (b *Builder) grow(n int) {
	if len(b.data) < n {
		b.data = append(b.data, make([]byte, n-len(b.data))...)
	}
}

// Finish serializes the builder into a Frame and computes its checksum.
func (b *Builder) Finish() (Frame, error) {
	if len(b.data) > MaxDataLength {
		return nil, fmt.Errorf("%w: got %d bytes, max %d", ErrDataTooLong, len(b.data), MaxDataLength)
	}

	length := frameOverhead + len(b.data)
	buf := make([]byte, length)

	buf[0] = STX
	buf[1] = byte(length)
	buf[2] = byte(b.typ&0x0F) << 4
	if b.ack {
		buf[2] |= 0x01
	}
	copy(buf[dataOffset:], b.data)
	buf[length-2] = ETX
	buf[length-1] = Checksum(buf)

	return Frame(buf), nil
}

// MustFinish is like Finish but panics on error. It is intended for
// fixed-size messages whose payload length is known to be valid.
func (b *Builder) MustFinish() Frame {
	f, err := b.Finish()
	if err != nil {
		panic(err)
	}

	return f
}

// lengthRule reports whether a declared frame length is allowed for a variant.
type lengthRule func(length int) bool

func exactLength(n int) lengthRule {
	return func(length int) bool { return length == n }
}

func minLength(n int) lengthRule {
	return func(length int) bool { return length >= n }
}

// DecodeFrame validates b as a frame of any type and length.
func DecodeFrame(b []byte) (Frame, error) {
	return parseFrame(b, 0, nil)
}

// parseFrame validates b in a fixed order: byte count against LENGTH,
// terminator, LENGTH against the variant rule, type nibble, checksum.
// The first failing check is returned. typ 0 and a nil rule match anything.
func parseFrame(b []byte, typ MsgType, rule lengthRule) (Frame, error) {
	if len(b) < MinFrameLength {
		return nil, fmt.Errorf("%w: got %d bytes, want at least %d", ErrShortFrame, len(b), MinFrameLength)
	}

	if b[0] != STX {
		return nil, fmt.Errorf("%w: got 0x%02X", ErrBadStartByte, b[0])
	}

	if int(b[1]) != len(b) {
		return nil, fmt.Errorf("%w: declared %d, got %d bytes", ErrLengthMismatch, b[1], len(b))
	}

	if b[len(b)-2] != ETX {
		return nil, fmt.Errorf("%w: got 0x%02X", ErrBadTerminator, b[len(b)-2])
	}

	if rule != nil && !rule(int(b[1])) {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedLength, b[1])
	}

	if got := MsgType(b[2] >> 4); typ != 0 && got != typ {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrTypeMismatch, got, typ)
	}

	if want := Checksum(b); b[len(b)-1] != want {
		return nil, fmt.Errorf("%w: wire=0x%02X, computed=0x%02X", ErrChecksumMismatch, b[len(b)-1], want)
	}

	return Frame(slices.Clone(b)), nil
}
