package acceptor

import (
	"fmt"

	"github.com/arloliu/go-ebds/ebds"
)

// NotificationKind identifies an edge-triggered session notification.
type NotificationKind uint8

const (
	// StateChanged is raised when the acceptor state differs from the last poll.
	StateChanged NotificationKind = iota + 1
	// EventsReported is raised for every poll reply carrying one-shot events.
	EventsReported
	// CashboxAttached is raised when the cashbox becomes present.
	CashboxAttached
	// CashboxRemoved is raised when the cashbox is no longer present.
	CashboxRemoved
	// BillEscrowed is raised once per escrow episode with the bill type.
	BillEscrowed
	// BillStacked is raised with the bill type of the reply carrying the Stacked event.
	BillStacked
	// BarcodeDetected is raised once per escrowed barcode ticket.
	BarcodeDetected
	// ConnectionLost is raised once when an exchange gets no reply at all.
	ConnectionLost
)

var notificationNames = [...]string{
	StateChanged:    "state-changed",
	EventsReported:  "events-reported",
	CashboxAttached: "cashbox-attached",
	CashboxRemoved:  "cashbox-removed",
	BillEscrowed:    "bill-escrowed",
	BillStacked:     "bill-stacked",
	BarcodeDetected: "barcode-detected",
	ConnectionLost:  "connection-lost",
}

// String returns the notification name.
func (k NotificationKind) String() string {
	if int(k) < len(notificationNames) && notificationNames[k] != "" {
		return notificationNames[k]
	}

	return fmt.Sprintf("notification(%d)", uint8(k))
}

// Notification is delivered to every NotificationHandler. Only the fields
// relevant to Kind are set.
type Notification struct {
	Kind NotificationKind

	// State is the new state for StateChanged, PrevState the previous one.
	State     ebds.AcceptorState
	PrevState ebds.AcceptorState

	// Events is set for EventsReported.
	Events ebds.AcceptorEvent

	// BillType is set for BillEscrowed and BillStacked. HasBillType is false
	// when the device reported no credit.
	BillType    uint8
	HasBillType bool

	// Barcode is set for BarcodeDetected.
	Barcode string
}

// String summarizes the notification for logging.
func (n Notification) String() string {
	switch n.Kind {
	case StateChanged:
		return fmt.Sprintf("%s{%s->%s}", n.Kind, n.PrevState, n.State)
	case EventsReported:
		return fmt.Sprintf("%s{%s}", n.Kind, n.Events)
	case BillEscrowed, BillStacked:
		return fmt.Sprintf("%s{billType=%d}", n.Kind, n.BillType)
	case BarcodeDetected:
		return fmt.Sprintf("%s{%q}", n.Kind, n.Barcode)
	default:
		return n.Kind.String()
	}
}

// NotificationHandler receives session notifications in registration order.
//
// While the session runs, handlers are called on a dedicated goroutine, so a
// handler may call Stack, Return or a queued command such as SerialNumber.
// During Open they run on the goroutine calling Open; queued commands then
// fail with ErrSessionBusy. A handler must not call Close. A panic inside a
// handler is recovered and logged.
type NotificationHandler func(Notification)

// AddHandler registers h for all notifications.
func (s *Session) AddHandler(h NotificationHandler) {
	if h == nil {
		return
	}

	s.handlerMu.Lock()
	s.handlers = append(s.handlers, h)
	s.handlerMu.Unlock()
}

// notify hands notes to the notify loop when it runs, else delivers them on
// the calling goroutine. It must be called without s.mu held.
func (s *Session) notify(notes []Notification) {
	if len(notes) == 0 {
		return
	}

	s.noteMu.Lock()
	if s.noteAsync {
		for _, n := range notes {
			s.notes.Enqueue(n)
		}
		s.noteMu.Unlock()

		select {
		case s.noteWake <- struct{}{}:
		default:
		}

		return
	}
	s.noteMu.Unlock()

	s.deliver(notes)
}

// startNotifyLoop switches delivery to a dedicated task.
func (s *Session) startNotifyLoop() error {
	s.noteMu.Lock()
	s.noteAsync = true
	s.noteMu.Unlock()

	if err := s.taskMgr.Start("notifyLoop", s.notifyLoopIteration, nil); err != nil {
		s.stopNotifyLoop()
		return err
	}

	return nil
}

// stopNotifyLoop switches delivery back to the calling goroutine and
// delivers what the loop left behind. The loop must have exited.
func (s *Session) stopNotifyLoop() {
	s.noteMu.Lock()
	s.noteAsync = false
	pending := s.notes.Drain()
	s.noteMu.Unlock()

	s.deliver(pending)
}

func (s *Session) notifyLoopIteration() bool {
	select {
	case <-s.taskMgr.Context().Done():
		return false
	case <-s.noteWake:
	}

	s.noteMu.Lock()
	batch := s.notes.Drain()
	s.noteMu.Unlock()

	s.deliver(batch)

	return true
}

func (s *Session) deliver(notes []Notification) {
	if len(notes) == 0 {
		return
	}

	s.handlerMu.RLock()
	handlers := s.handlers
	s.handlerMu.RUnlock()

	for _, n := range notes {
		s.logger.Debug("notification", "kind", n.Kind.String(), "detail", n.String())
		for _, h := range handlers {
			s.taskMgr.SafeCall(n.Kind.String(), func() { h(n) })
		}
	}
}
