package acceptor

import "sync/atomic"

// Metrics contains atomic counters for a Session.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// PollCount indicates the number of poll requests sent.
	PollCount atomic.Uint64
	// ResponseCount indicates the number of replies accepted (valid and ack matched).
	ResponseCount atomic.Uint64
	// RetryCount indicates the number of re-sends after a read timeout.
	RetryCount atomic.Uint64
	// TimeoutCount indicates the number of exchanges that got no reply at all.
	TimeoutCount atomic.Uint64
	// FrameViolationCount indicates the number of discarded malformed replies.
	FrameViolationCount atomic.Uint64
	// ProtocolViolationCount indicates the number of replies flagged invalid.
	ProtocolViolationCount atomic.Uint64
	// AckMismatchCount indicates the number of retransmission requests from the device.
	AckMismatchCount atomic.Uint64

	// CommandDoneCount indicates the number of non-poll commands that succeeded.
	CommandDoneCount atomic.Uint64
	// CommandFailCount indicates the number of non-poll commands that failed.
	CommandFailCount atomic.Uint64
	// PardonCount indicates the number of pardons granted to non-poll commands.
	PardonCount atomic.Uint64
	// QueuedCommandGauge indicates the number of commands waiting in the queue.
	QueuedCommandGauge atomic.Int64
}

func (m *Metrics) incPollCount()              { m.PollCount.Add(1) }
func (m *Metrics) incResponseCount()          { m.ResponseCount.Add(1) }
func (m *Metrics) incRetryCount()             { m.RetryCount.Add(1) }
func (m *Metrics) incTimeoutCount()           { m.TimeoutCount.Add(1) }
func (m *Metrics) incFrameViolationCount()    { m.FrameViolationCount.Add(1) }
func (m *Metrics) incProtocolViolationCount() { m.ProtocolViolationCount.Add(1) }
func (m *Metrics) incAckMismatchCount()       { m.AckMismatchCount.Add(1) }
func (m *Metrics) incCommandDoneCount()       { m.CommandDoneCount.Add(1) }
func (m *Metrics) incCommandFailCount()       { m.CommandFailCount.Add(1) }
func (m *Metrics) incPardonCount()            { m.PardonCount.Add(1) }
func (m *Metrics) incQueuedCommandGauge()     { m.QueuedCommandGauge.Add(1) }
func (m *Metrics) decQueuedCommandGauge()     { m.QueuedCommandGauge.Add(-1) }
