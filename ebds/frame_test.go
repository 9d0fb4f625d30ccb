package ebds

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksum_XORBetweenDelimiters(t *testing.T) {
	// 02 08 10 7F 10 00 03 CK: checksum covers 08 10 7F 10 00.
	b := []byte{STX, 0x08, 0x10, 0x7F, 0x10, 0x00, ETX, 0x00}
	assert.Equal(t, byte(0x08^0x10^0x7F^0x10^0x00), Checksum(b))
}

func TestBuilder_Finish(t *testing.T) {
	f, err := NewBuilder(TypeHostPoll, true).Append(0x7F, 0x10, 0x00).Finish()
	require.NoError(t, err)

	assert.Equal(t, []byte{0x02, 0x08, 0x11, 0x7F, 0x10, 0x00, 0x03, 0x08 ^ 0x11 ^ 0x7F ^ 0x10}, f.Bytes())
	assert.Equal(t, 8, f.Length())
	assert.Equal(t, TypeHostPoll, f.Type())
	assert.True(t, f.Ack())
	assert.Equal(t, []byte{0x7F, 0x10, 0x00}, f.Data())
	assert.Equal(t, 3, f.DataLen())
	assert.Equal(t, byte(0x10), f.DataByte(1))
	assert.Equal(t, byte(0), f.DataByte(5), "out of range reads as zero")
}

func TestBuilder_SetByteAndBitGrowPayload(t *testing.T) {
	b := NewBuilder(TypeExtended, false).SetByte(2, 0x05).SetBit(4, 6, true)
	assert.Equal(t, []byte{0, 0, 0x05, 0, 0x40}, b.Data())

	b.SetBit(4, 6, false)
	assert.Equal(t, []byte{0, 0, 0x05, 0, 0}, b.Data())
}

func TestBuilder_DataTooLong(t *testing.T) {
	_, err := NewBuilder(TypeTelemetry, false).Append(make([]byte, MaxDataLength+1)...).Finish()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDataTooLong))

	_, err = NewBuilder(TypeTelemetry, false).Append(make([]byte, MaxDataLength)...).Finish()
	require.NoError(t, err)
}

func TestBuilder_MustFinishPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewBuilder(TypeTelemetry, false).Append(make([]byte, MaxDataLength+1)...).MustFinish()
	})
}

func TestFrame_RoundTrip(t *testing.T) {
	for _, typ := range []MsgType{TypeHostPoll, TypeAcceptorPoll, TypeTelemetry, TypeExtended} {
		for _, ack := range []bool{false, true} {
			for n := 0; n < 40; n += 7 {
				data := make([]byte, n)
				for i := range data {
					data[i] = byte(i*31 + n)
				}

				f, err := NewBuilder(typ, ack).Append(data...).Finish()
				require.NoError(t, err)

				decoded, err := DecodeFrame(f.Bytes())
				require.NoError(t, err, "type=%s ack=%t n=%d", typ, ack, n)
				assert.Equal(t, f.Checksum(), decoded.Checksum())
				assert.Equal(t, Checksum(f), decoded.Checksum())
				assert.Equal(t, typ, decoded.Type())
				assert.Equal(t, ack, decoded.Ack())
				assert.Equal(t, data, decoded.Data())
			}
		}
	}
}

func TestFrame_EditRecomputesChecksum(t *testing.T) {
	orig := PollRequest{AcceptanceMask: AcceptAll, Escrow: true}.Frame()

	for i := 0; i < orig.DataLen(); i++ {
		for _, v := range []byte{0x00, 0x01, 0x55, 0x7F} {
			edited, err := orig.Edit().SetByte(i, v).Finish()
			require.NoError(t, err)

			_, err = DecodeFrame(edited.Bytes())
			require.NoError(t, err, "byte %d = 0x%02X", i, v)
			assert.Equal(t, v, edited.DataByte(i))
		}
	}

	// A raw poke without going through the builder leaves a stale checksum.
	raw := orig.Bytes()
	raw[3] ^= 0x01
	_, err := DecodeFrame(raw)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}

func TestFrame_EditDoesNotAliasOriginal(t *testing.T) {
	orig := PollRequest{AcceptanceMask: 0x01}.Frame()
	before := orig.Bytes()

	_ = orig.Edit().SetByte(0, 0x7F).MustFinish()
	assert.Equal(t, before, orig.Bytes())
}

func TestDecodeFrame_ValidationOrder(t *testing.T) {
	valid := NewPollResponse(false, [StatusLen]byte{0x01, 0x10}).Bytes()

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"short", func(b []byte) []byte { return b[:4] }, ErrShortFrame},
		{"start byte", func(b []byte) []byte { b[0] = 0x00; return b }, ErrBadStartByte},
		{"truncated", func(b []byte) []byte { return b[:len(b)-1] }, ErrLengthMismatch},
		{"declared length", func(b []byte) []byte { b[1] = 0x0C; return b }, ErrLengthMismatch},
		{"terminator", func(b []byte) []byte { b[len(b)-2] = 0x04; return b }, ErrBadTerminator},
		{"checksum", func(b []byte) []byte { b[len(b)-1] ^= 0xFF; return b }, ErrChecksumMismatch},
		{
			// A bad terminator is reported even when the checksum is also wrong.
			"terminator before checksum",
			func(b []byte) []byte { b[len(b)-2] = 0x00; b[len(b)-1] ^= 0xFF; return b },
			ErrBadTerminator,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := make([]byte, len(valid))
			copy(b, valid)

			_, err := DecodeFrame(tt.mutate(b))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.True(t, IsFrameViolation(err))
		})
	}
}

func TestParseFrame_VariantChecks(t *testing.T) {
	f := NewPollResponse(false, [StatusLen]byte{0x01})

	_, err := parseFrame(f.Bytes(), TypeAcceptorPoll, exactLength(PollRequestLen))
	assert.True(t, errors.Is(err, ErrUnexpectedLength))

	_, err = parseFrame(f.Bytes(), TypeExtended, exactLength(PollResponseLen))
	assert.True(t, errors.Is(err, ErrTypeMismatch))

	// Length rule is checked before the type nibble.
	_, err = parseFrame(f.Bytes(), TypeExtended, exactLength(PollRequestLen))
	assert.True(t, errors.Is(err, ErrUnexpectedLength))
}

func TestMsgType_String(t *testing.T) {
	assert.Equal(t, "host-poll", TypeHostPoll.String())
	assert.Equal(t, "acceptor-poll", TypeAcceptorPoll.String())
	assert.Equal(t, "telemetry", TypeTelemetry.String())
	assert.Equal(t, "extended", TypeExtended.String())
	assert.Equal(t, "unknown(0xA)", MsgType(0xA).String())
}
