package ebds

import "fmt"

// Telemetry integers are sent one nibble per byte, most significant first,
// so that every data byte stays in the 0x00-0x0F range.

// DecodeNibbles folds the low nibble of each byte into a big-endian integer.
// Up to 16 bytes (64 bits) are meaningful.
func DecodeNibbles(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<4 | uint64(x&0x0F)
	}

	return v
}

// EncodeNibbles spreads the low 4*n bits of v over n bytes, one nibble each.
func EncodeNibbles(v uint64, n int) []byte {
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(v & 0x0F)
		v >>= 4
	}

	return out
}

// decodeNibbleFields splits b into count fields of width bytes each.
func decodeNibbleFields(b []byte, count, width int) ([]uint64, error) {
	if len(b) != count*width {
		return nil, fmt.Errorf("%w: got %d data bytes, want %d", ErrUnexpectedLength, len(b), count*width)
	}

	out := make([]uint64, count)
	for i := range out {
		out[i] = DecodeNibbles(b[i*width : (i+1)*width])
	}

	return out, nil
}

func encodeNibbleFields(width int, values ...uint64) []byte {
	out := make([]byte, 0, len(values)*width)
	for _, v := range values {
		out = append(out, EncodeNibbles(v, width)...)
	}

	return out
}
