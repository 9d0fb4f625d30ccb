package ebds

import "fmt"

// Response is a decoded acceptor reply. The concrete type is one of
// *PollResponse, *ExtendedResponse or *TelemetryResponse.
type Response interface {
	// Frame returns the validated wire frame.
	Frame() Frame
	// Type returns the message type nibble.
	Type() MsgType
	// Ack returns the ACK bit of the reply.
	Ack() bool
	// Violations returns protocol violations in a structurally valid reply.
	Violations() []error
}

// DecodeResponse reads the type nibble and dispatches to the matching
// variant parser.
func DecodeResponse(b []byte) (Response, error) {
	if len(b) < dataOffset {
		return nil, fmt.Errorf("%w: got %d bytes, want at least %d", ErrShortFrame, len(b), MinFrameLength)
	}

	switch typ := MsgType(b[2] >> 4); typ {
	case TypeAcceptorPoll:
		r, err := ParsePollResponse(b)
		if err != nil {
			return nil, err
		}

		return r, nil
	case TypeExtended:
		r, err := ParseExtendedResponse(b)
		if err != nil {
			return nil, err
		}

		return r, nil
	case TypeTelemetry:
		r, err := ParseTelemetryResponse(b)
		if err != nil {
			return nil, err
		}

		return r, nil
	default:
		// Report structural problems first, in the same order as the variants.
		if _, err := DecodeFrame(b); err != nil {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
}
