// Package acceptor implements the host side polling session for a bill
// acceptor speaking the protocol in package ebds.
//
// A [Session] owns a [ByteStream]. [Session.Open] performs the handshake,
// then a single worker polls the device every poll period, toggling the ack
// bit on each accepted reply. Replies are diffed against the last known
// values and raise edge-triggered notifications (see [NotificationKind]):
// a cashbox that stays present for a thousand polls is reported attached once.
//
// Escrow decisions are injected with [Session.Stack] and [Session.Return];
// they ride on the next poll. Telemetry and extended queries such as
// [Session.SerialNumber] or [Session.QueryBarcode] are queued and serviced
// between polls. If the session is closed these calls open the stream,
// handshake, exchange and close on the calling goroutine.
//
// Malformed replies never surface as errors while polling; they are counted
// in [Metrics] and the cycle is retried. A non-poll command tolerates a
// configurable number of failed replies (pardons) before failing with
// [ErrPardonsExhausted].
//
// Example:
//
//	cfg, _ := acceptor.NewConfig(acceptor.WithPollPeriod(100 * time.Millisecond))
//	sess, _ := acceptor.NewSession(ctx, port, cfg)
//	sess.AddHandler(func(n acceptor.Notification) {
//	    if n.Kind == acceptor.BillEscrowed {
//	        _ = sess.Stack()
//	    }
//	})
//	if err := sess.Open(ctx); err != nil {
//	    return err
//	}
//	defer sess.Close()
package acceptor
