package ebds

import "errors"

// Frame violations. A frame failing any of these checks is discarded.
var (
	// ErrShortFrame indicates fewer bytes than the smallest possible frame.
	ErrShortFrame = errors.New("ebds: frame too short")

	// ErrBadStartByte indicates the first byte is not STX.
	ErrBadStartByte = errors.New("ebds: invalid start byte")

	// ErrLengthMismatch indicates the byte count differs from the LENGTH field.
	ErrLengthMismatch = errors.New("ebds: frame length does not match declared length")

	// ErrBadTerminator indicates the byte before the checksum is not ETX.
	ErrBadTerminator = errors.New("ebds: invalid terminator byte")

	// ErrUnexpectedLength indicates a declared length not allowed for the message variant.
	ErrUnexpectedLength = errors.New("ebds: unexpected length for message type")

	// ErrTypeMismatch indicates the type nibble does not match the expected variant.
	ErrTypeMismatch = errors.New("ebds: message type mismatch")

	// ErrChecksumMismatch indicates the trailing checksum does not match the XOR of the frame body.
	ErrChecksumMismatch = errors.New("ebds: checksum mismatch")

	// ErrUnknownType indicates a type nibble that no response variant handles.
	ErrUnknownType = errors.New("ebds: unknown message type")

	// ErrUnexpectedCommand indicates an extended or telemetry reply to a different sub-command.
	ErrUnexpectedCommand = errors.New("ebds: unexpected sub-command in reply")

	// ErrDataTooLong indicates a payload that would not fit in a single frame.
	ErrDataTooLong = errors.New("ebds: data payload too long")
)

// Protocol violations. The frame is structurally valid and still parsed,
// but the response is flagged invalid.
var (
	// ErrNoState indicates no acceptor state bit is set.
	ErrNoState = errors.New("ebds: no acceptor state bit set")

	// ErrMultipleStates indicates more than one acceptor state bit is set.
	ErrMultipleStates = errors.New("ebds: multiple acceptor state bits set")

	// ErrReservedBit indicates a reserved bit is set.
	ErrReservedBit = errors.New("ebds: reserved bit set")
)

// IsFrameViolation reports whether err is one of the structural frame errors.
func IsFrameViolation(err error) bool {
	switch {
	case errors.Is(err, ErrShortFrame),
		errors.Is(err, ErrBadStartByte),
		errors.Is(err, ErrLengthMismatch),
		errors.Is(err, ErrBadTerminator),
		errors.Is(err, ErrUnexpectedLength),
		errors.Is(err, ErrTypeMismatch),
		errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, ErrUnknownType):
		return true
	default:
		return false
	}
}
