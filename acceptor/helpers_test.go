package acceptor

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-ebds/internal/acceptortest"
	"github.com/arloliu/go-ebds/logger"
	"github.com/stretchr/testify/require"
)

var _ ByteStream = (*acceptortest.Device)(nil)

var testLogger logger.Logger

func TestMain(m *testing.M) {
	level, ok := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if !ok {
		level = logger.WarnLevel
	}

	testLogger = logger.NewSlog(level, false)

	os.Exit(m.Run())
}

// newTestSession returns a closed session with fast timings, closed again
// at the end of the test.
func newTestSession(t *testing.T, dev *acceptortest.Device, opts ...Option) *Session {
	t.Helper()

	base := []Option{
		WithPollPeriod(MinPollPeriod),
		WithRetryBackoff(time.Millisecond),
		WithOpenTimeout(time.Second),
		WithCloseTimeout(time.Second),
		WithLogger(testLogger),
	}

	cfg, err := NewConfig(append(base, opts...)...)
	require.NoError(t, err)

	s, err := NewSession(context.Background(), dev, cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

// newManualSession returns a session whose stream is open but whose worker
// is not started, so tests can drive poll cycles and commands one by one.
func newManualSession(t *testing.T, opts ...Option) (*Session, *acceptortest.Device, *recorder) {
	t.Helper()

	dev := acceptortest.NewDevice()
	s := newTestSession(t, dev, opts...)

	rec := &recorder{}
	s.AddHandler(rec.handle)

	require.NoError(t, dev.Open())

	return s, dev, rec
}

// serviceUntilDone drives cmd the way the worker does and returns the
// number of cycles it took.
func serviceUntilDone(t *testing.T, s *Session, cmd *command) int {
	t.Helper()

	cmd.done = make(chan struct{})

	for cycles := 1; cycles <= 20; cycles++ {
		if s.serviceCommand(context.Background(), cmd) {
			return cycles
		}
	}

	t.Fatal("command never finished")

	return 0
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) handle(n Notification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recorder) of(kind NotificationKind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Notification
	for _, n := range r.notes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}

	return out
}

func (r *recorder) count(kind NotificationKind) int {
	return len(r.of(kind))
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.notes = nil
	r.mu.Unlock()
}
