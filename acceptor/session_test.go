package acceptor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arloliu/go-ebds/ebds"
	"github.com/arloliu/go-ebds/internal/acceptortest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSession(t *testing.T) {
	_, err := NewSession(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrStreamNil)

	s, err := NewSession(context.Background(), acceptortest.NewDevice(), nil)
	require.NoError(t, err)
	assert.Equal(t, ClosedState, s.OpState())
	assert.Equal(t, DefaultPollPeriod, s.PollPeriod())

	_, ok := s.State()
	assert.False(t, ok)

	_, known := s.CashboxPresent()
	assert.False(t, known)
	assert.False(t, s.DeviceInfo().Valid)
}

func TestSession_OpenClose(t *testing.T) {
	dev := acceptortest.NewDevice()
	s := newTestSession(t, dev)

	rec := &recorder{}
	s.AddHandler(rec.handle)

	require.NoError(t, s.Open(context.Background()))
	assert.True(t, s.IsRunning())
	assert.True(t, dev.IsOpen())

	state, ok := s.State()
	require.True(t, ok)
	assert.Equal(t, ebds.StateIdling, state)

	present, known := s.CashboxPresent()
	assert.True(t, known)
	assert.True(t, present)

	info := s.DeviceInfo()
	assert.True(t, info.Valid)
	assert.Equal(t, acceptortest.DefaultModel, info.Model)
	assert.Equal(t, acceptortest.DefaultRevision, info.Revision)

	assert.Equal(t, 1, rec.count(StateChanged))
	assert.Equal(t, 1, rec.count(CashboxAttached))

	assert.ErrorIs(t, s.Open(context.Background()), ErrAlreadyOpen)

	require.NoError(t, s.Close())
	assert.Equal(t, ClosedState, s.OpState())
	assert.False(t, dev.IsOpen())

	_, ok = s.State()
	assert.False(t, ok, "state forgotten on close")

	require.NoError(t, s.Close(), "closing twice is a no-op")

	// A closed session can be opened again.
	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, 2, dev.Opens())
	assert.Equal(t, 2, rec.count(CashboxAttached))
}

func TestSession_OpenTransportFailure(t *testing.T) {
	dev := acceptortest.NewDevice()
	dev.FailOpen(errors.New("no such port"))
	s := newTestSession(t, dev)

	err := s.Open(context.Background())
	assert.ErrorIs(t, err, ErrTransportOpen)
	assert.ErrorContains(t, err, "no such port")
	assert.Equal(t, ClosedState, s.OpState())
}

func TestSession_OpenTimeout(t *testing.T) {
	dev := acceptortest.NewDevice()
	dev.SetSilent(true)
	s := newTestSession(t, dev, WithOpenTimeout(100*time.Millisecond), WithSendAttempts(1))

	rec := &recorder{}
	s.AddHandler(rec.handle)

	err := s.Open(context.Background())
	assert.ErrorIs(t, err, ErrOpenTimeout)
	assert.Equal(t, ClosedState, s.OpState())
	assert.False(t, dev.IsOpen())
	assert.Equal(t, 1, rec.count(ConnectionLost))
	assert.Equal(t, 0, s.taskMgr.TaskCount())
}

func TestSession_OpenCanceled(t *testing.T) {
	dev := acceptortest.NewDevice()
	dev.SetSilent(true)
	s := newTestSession(t, dev)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Open(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrOpenTimeout)
	assert.Equal(t, ClosedState, s.OpState())
}

func TestSession_HandshakeAckFlip(t *testing.T) {
	dev := acceptortest.NewDevice()
	dev.MismatchAcks(1)
	s := newTestSession(t, dev)

	require.NoError(t, s.Open(context.Background()))

	polls := dev.PollRequests()
	require.GreaterOrEqual(t, len(polls), 1+DefaultHandshakeResponses)
	assert.False(t, polls[0].Ack)
	assert.True(t, polls[1].Ack, "local ack flipped after the first mismatch")
	assert.False(t, polls[2].Ack)
}

func TestSession_HandshakeInvalidRepliesDoNotCount(t *testing.T) {
	dev := acceptortest.NewDevice()
	dev.CorruptReplies(2)
	s := newTestSession(t, dev)

	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, uint64(2), s.Metrics().FrameViolationCount.Load())
	assert.GreaterOrEqual(t, len(dev.PollRequests()), DefaultHandshakeResponses+2)
}

func TestSession_EscrowMisuse(t *testing.T) {
	dev := acceptortest.NewDevice()
	s := newTestSession(t, dev)

	assert.ErrorIs(t, s.Stack(), ErrSessionClosed)
	assert.ErrorIs(t, s.Return(), ErrSessionClosed)

	require.NoError(t, s.Open(context.Background()))
	assert.ErrorIs(t, s.Stack(), ErrNotEscrowed)
	assert.ErrorIs(t, s.Return(), ErrNotEscrowed)
}

func TestSession_StackFromHandler(t *testing.T) {
	dev := acceptortest.NewDevice()
	s := newTestSession(t, dev)

	stacked := make(chan Notification, 1)
	s.AddHandler(func(n Notification) {
		switch n.Kind {
		case BillEscrowed:
			assert.NoError(t, s.Stack())
		case BillStacked:
			stacked <- n
		}
	})

	require.NoError(t, s.Open(context.Background()))
	dev.InsertBill(3)

	select {
	case n := <-stacked:
		assert.True(t, n.HasBillType)
		assert.Equal(t, uint8(3), n.BillType)
	case <-time.After(2 * time.Second):
		t.Fatal("bill never stacked")
	}

	assert.Equal(t, ebds.StateIdling, dev.State())
}

func TestSession_StackBillEscrowedBeforeOpen(t *testing.T) {
	dev := acceptortest.NewDevice()
	dev.InsertBill(3)
	s := newTestSession(t, dev)

	stackErrs := make(chan error, 4)
	stacked := make(chan Notification, 1)
	s.AddHandler(func(n Notification) {
		switch n.Kind {
		case BillEscrowed:
			stackErrs <- s.Stack()
		case BillStacked:
			stacked <- n
		}
	})

	require.NoError(t, s.Open(context.Background()))

	select {
	case err := <-stackErrs:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("escrow never reported")
	}

	select {
	case n := <-stacked:
		assert.True(t, n.HasBillType)
		assert.Equal(t, uint8(3), n.BillType)
	case <-time.After(2 * time.Second):
		t.Fatal("bill escrowed during open never stacked")
	}

	assert.Equal(t, ebds.StateIdling, dev.State())
}

func TestSession_HandlerCallsCommand(t *testing.T) {
	dev := acceptortest.NewDevice()
	dev.SetSerialNumber("HANDLER-1")
	s := newTestSession(t, dev)

	type result struct {
		serial string
		err    error
	}
	results := make(chan result, 1)
	s.AddHandler(func(n Notification) {
		if n.Kind == CashboxRemoved {
			serial, err := s.SerialNumber(context.Background())
			results <- result{serial, err}
		}
	})

	require.NoError(t, s.Open(context.Background()))
	dev.RemoveCashbox()

	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.Equal(t, "HANDLER-1", r.serial)
	case <-time.After(2 * time.Second):
		t.Fatal("command issued from handler never completed")
	}

	assert.True(t, s.IsRunning(), "polling continues")
}

func TestSession_CloseReleasesHandlerCommand(t *testing.T) {
	dev := acceptortest.NewDevice()
	s := newTestSession(t, dev, WithPardons(MaxPardons), WithSendAttempts(MaxSendAttempts))

	issued := make(chan struct{})
	errs := make(chan error, 1)
	s.AddHandler(func(n Notification) {
		if n.Kind == CashboxRemoved {
			dev.SetSilent(true)
			close(issued)
			errs <- s.Ping(context.Background())
		}
	})

	require.NoError(t, s.Open(context.Background()))
	dev.RemoveCashbox()

	select {
	case <-issued:
	case <-time.After(2 * time.Second):
		t.Fatal("cashbox removal never reported")
	}
	require.Eventually(t, func() bool { return s.commands.Size() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("handler command not released by close")
	}
	assert.Eventually(t, func() bool { return s.taskMgr.TaskCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSession_HandlerCommandDuringOpen(t *testing.T) {
	dev := acceptortest.NewDevice()
	s := newTestSession(t, dev)

	errs := make(chan error, 4)
	s.AddHandler(func(n Notification) {
		if n.Kind == CashboxAttached && s.OpState() == OpeningState {
			errs <- s.Ping(context.Background())
		}
	})

	require.NoError(t, s.Open(context.Background()))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrSessionBusy)
	default:
		t.Fatal("handshake notification not delivered during open")
	}
}

func TestSession_AutoStackWithoutEscrow(t *testing.T) {
	dev := acceptortest.NewDevice()
	s := newTestSession(t, dev, WithEscrowMode(false))

	rec := &recorder{}
	s.AddHandler(rec.handle)

	require.NoError(t, s.Open(context.Background()))
	dev.InsertBill(1)

	require.Eventually(t, func() bool { return rec.count(BillStacked) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, rec.count(BillEscrowed))
}

func TestSession_HandlerPanicRecovered(t *testing.T) {
	dev := acceptortest.NewDevice()
	s := newTestSession(t, dev)

	s.AddHandler(func(n Notification) {
		if n.Kind == CashboxRemoved {
			panic("handler bug")
		}
	})

	rec := &recorder{}
	s.AddHandler(rec.handle)

	require.NoError(t, s.Open(context.Background()))
	dev.RemoveCashbox()

	require.Eventually(t, func() bool { return rec.count(CashboxRemoved) == 1 }, time.Second, 5*time.Millisecond)

	dev.AttachCashbox()
	require.Eventually(t, func() bool { return rec.count(CashboxAttached) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.IsRunning())
}

func TestSession_ConnectionLostWhileRunning(t *testing.T) {
	dev := acceptortest.NewDevice()
	s := newTestSession(t, dev, WithSendAttempts(1))

	rec := &recorder{}
	s.AddHandler(rec.handle)

	require.NoError(t, s.Open(context.Background()))
	dev.SetSilent(true)

	require.Eventually(t, func() bool { return rec.count(ConnectionLost) == 1 }, time.Second, 5*time.Millisecond)

	before := s.Metrics().TimeoutCount.Load()
	require.Eventually(t, func() bool { return s.Metrics().TimeoutCount.Load() > before+2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.count(ConnectionLost), "raised once per outage")
	assert.True(t, s.IsRunning(), "polling continues")

	responses := s.Metrics().ResponseCount.Load()
	dev.SetSilent(false)
	require.Eventually(t, func() bool { return s.Metrics().ResponseCount.Load() > responses }, time.Second, 5*time.Millisecond)

	// A reply ends the outage; the next one is reported again.
	dev.SetSilent(true)
	require.Eventually(t, func() bool { return rec.count(ConnectionLost) == 2 }, time.Second, 5*time.Millisecond)
}

func TestSession_RuntimeSettings(t *testing.T) {
	dev := acceptortest.NewDevice()
	s := newTestSession(t, dev)

	require.NoError(t, s.Open(context.Background()))

	require.NoError(t, s.SetAcceptanceMask(0x05))
	s.SetEscrowMode(false)
	s.SetBarcodeDetection(true)
	require.NoError(t, s.SetPollPeriod(2*MinPollPeriod))
	assert.Equal(t, 2*MinPollPeriod, s.PollPeriod())

	assert.Error(t, s.SetAcceptanceMask(0x80))
	assert.Error(t, s.SetPollPeriod(time.Millisecond))

	require.Eventually(t, func() bool {
		polls := dev.PollRequests()
		last := polls[len(polls)-1]

		return last.AcceptanceMask == 0x05 && !last.Escrow && last.Barcode
	}, time.Second, 5*time.Millisecond)
}

func TestOpState_String(t *testing.T) {
	assert.Equal(t, "Closed", ClosedState.String())
	assert.Equal(t, "Closing", ClosingState.String())
	assert.Equal(t, "Opening", OpeningState.String())
	assert.Equal(t, "Running", RunningState.String())
}

func TestAtomicOpState(t *testing.T) {
	var st atomicOpState
	st.Set(ClosedState)

	assert.True(t, st.IsClosed())
	assert.False(t, st.ToClosing(), "only a running session can close")
	assert.False(t, st.ToRunning())

	assert.True(t, st.ToOpening())
	assert.False(t, st.ToOpening())
	assert.True(t, st.ToRunning())
	assert.True(t, st.IsRunning())

	assert.True(t, st.ToClosing())
	assert.True(t, st.ToClosed())
	assert.True(t, st.IsClosed())
}

func TestNotification_String(t *testing.T) {
	assert.Equal(t, "bill-stacked", BillStacked.String())
	assert.Equal(t, "connection-lost", ConnectionLost.String())

	n := Notification{Kind: StateChanged, State: ebds.StateEscrowed, PrevState: ebds.StateIdling}
	assert.Contains(t, n.String(), "escrowed")
}
