package serial

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goserial "go.bug.st/serial"
)

// fakePort serves queued chunks, one per Read call. An empty queue behaves
// like an expired read timeout.
type fakePort struct {
	mu       sync.Mutex
	chunks   [][]byte
	written  []byte
	resets   int
	timeouts []time.Duration
	closed   bool
	writeMax int
}

var _ goserial.Port = (*fakePort)(nil)

func (f *fakePort) SetMode(*goserial.Mode) error { return nil }

func (f *fakePort) Read(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, errors.New("closed")
	}

	if len(f.chunks) == 0 {
		return 0, nil
	}

	n := copy(b, f.chunks[0])
	if n < len(f.chunks[0]) {
		f.chunks[0] = f.chunks[0][n:]
	} else {
		f.chunks = f.chunks[1:]
	}

	return n, nil
}

func (f *fakePort) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(b)
	if f.writeMax > 0 {
		n = min(n, f.writeMax)
	}
	f.written = append(f.written, b[:n]...)

	return n, nil
}

func (f *fakePort) Drain() error { return nil }

func (f *fakePort) ResetInputBuffer() error {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()

	return nil
}

func (f *fakePort) ResetOutputBuffer() error { return nil }
func (f *fakePort) SetDTR(bool) error        { return nil }
func (f *fakePort) SetRTS(bool) error        { return nil }

func (f *fakePort) GetModemStatusBits() (*goserial.ModemStatusBits, error) {
	return &goserial.ModemStatusBits{}, nil
}

func (f *fakePort) SetReadTimeout(d time.Duration) error {
	f.mu.Lock()
	f.timeouts = append(f.timeouts, d)
	f.mu.Unlock()

	return nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	return nil
}

func (f *fakePort) Break(time.Duration) error { return nil }

func newFakePort(t *testing.T, fake *fakePort, opts ...Option) (*Port, *goserial.Mode) {
	t.Helper()

	p, err := NewPort("/dev/ttyFAKE", opts...)
	require.NoError(t, err)

	var mode goserial.Mode
	p.open = func(name string, m *goserial.Mode) (goserial.Port, error) {
		assert.Equal(t, "/dev/ttyFAKE", name)
		mode = *m

		return fake, nil
	}

	require.NoError(t, p.Open())

	return p, &mode
}

func TestNewPort(t *testing.T) {
	_, err := NewPort("")
	require.Error(t, err)

	_, err = NewPort("/dev/ttyS0", WithDataBits(9))
	require.Error(t, err)

	p, err := NewPort("/dev/ttyS0")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS0", p.Name())
	assert.False(t, p.IsOpen())
}

func TestConfig(t *testing.T) {
	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, &goserial.Mode{
		BaudRate: 9600,
		DataBits: 7,
		Parity:   goserial.EvenParity,
		StopBits: goserial.OneStopBit,
	}, cfg.mode())
	assert.Equal(t, DefaultReadTimeout, cfg.ReadTimeout())

	cfg, err = NewConfig(
		WithBaudRate(19200),
		WithDataBits(8),
		WithParity(goserial.NoParity),
		WithStopBits(goserial.TwoStopBits),
		WithReadTimeout(time.Second),
	)
	require.NoError(t, err)
	assert.Equal(t, 19200, cfg.mode().BaudRate)
	assert.Equal(t, 8, cfg.mode().DataBits)
	assert.Equal(t, goserial.NoParity, cfg.mode().Parity)
	assert.Equal(t, goserial.TwoStopBits, cfg.mode().StopBits)
	assert.Equal(t, time.Second, cfg.ReadTimeout())

	invalid := []Option{
		WithBaudRate(0),
		WithDataBits(4),
		WithParity(goserial.Parity(42)),
		WithStopBits(goserial.StopBits(-1)),
		WithReadTimeout(0),
		WithReadTimeout(time.Minute),
		WithLogger(nil),
	}
	for i, opt := range invalid {
		_, err := NewConfig(opt)
		assert.Error(t, err, "option %d", i)
	}
}

func TestPort_OpenClose(t *testing.T) {
	fake := &fakePort{}
	p, mode := newFakePort(t, fake)

	assert.True(t, p.IsOpen())
	assert.Equal(t, 7, mode.DataBits)
	assert.Equal(t, goserial.EvenParity, mode.Parity)
	require.NoError(t, p.Open(), "open twice is a no-op")

	require.NoError(t, p.Close())
	assert.False(t, p.IsOpen())
	assert.True(t, fake.closed)
	require.NoError(t, p.Close())

	_, err := p.Read(2)
	assert.ErrorIs(t, err, ErrPortClosed)
	assert.ErrorIs(t, p.Write([]byte{0x02}), ErrPortClosed)
}

func TestPort_OpenError(t *testing.T) {
	p, err := NewPort("/dev/ttyMISSING")
	require.NoError(t, err)

	p.open = func(string, *goserial.Mode) (goserial.Port, error) {
		return nil, errors.New("no such file")
	}

	err = p.Open()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/dev/ttyMISSING")
	assert.False(t, p.IsOpen())
}

func TestPort_Write(t *testing.T) {
	fake := &fakePort{writeMax: 3}
	p, _ := newFakePort(t, fake)

	frame := []byte{0x02, 0x08, 0x10, 0x7F, 0x10, 0x00, 0x03, 0x77}
	require.NoError(t, p.Write(frame))

	assert.Equal(t, frame, fake.written, "short writes are continued")
	assert.Equal(t, 1, fake.resets, "stale input discarded before a request")
}

func TestPort_Read(t *testing.T) {
	fake := &fakePort{chunks: [][]byte{{0x02}, {0x0B, 0x21}}}
	p, _ := newFakePort(t, fake)

	b, err := p.Read(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x0B}, b, "collected across partial reads")

	b, err = p.Read(4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x21}, b, "short read on timeout")

	b, err = p.Read(2)
	require.NoError(t, err)
	assert.Empty(t, b)

	for _, d := range fake.timeouts {
		assert.LessOrEqual(t, d, DefaultReadTimeout)
	}
}
