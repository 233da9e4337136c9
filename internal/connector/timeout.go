package connector

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/example/ilp-node/pkg/ilp"
)

// DefaultPacketTimeout is how long a forwarded Prepare may stay unanswered.
const DefaultPacketTimeout = 5 * time.Second

// TimeoutHandle cancels one scheduled timeout. Cancel is idempotent.
type TimeoutHandle struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

// Cancel stops the timeout. If the timer already fired, the timeout path
// finds no correlation entry and does nothing.
func (h *TimeoutHandle) Cancel() {
	if h == nil {
		return
	}
	if h.cancelled.CompareAndSwap(false, true) && h.timer != nil {
		h.timer.Stop()
	}
}

// Cancelled reports whether Cancel has been called.
func (h *TimeoutHandle) Cancelled() bool { return h.cancelled.Load() }

// TimeoutScheduler rejects forwarded Prepares that receive no answer.
type TimeoutScheduler struct {
	delay       time.Duration
	nodeAddress string
	deliver     func(IncomingPacket)
	logger      *slog.Logger
}

// NewTimeoutScheduler returns a scheduler that hands synthesized Rejects to
// deliver as if they came from the endpoint the Prepare was sent to.
func NewTimeoutScheduler(delay time.Duration, nodeAddress string, deliver func(IncomingPacket), logger *slog.Logger) *TimeoutScheduler {
	if delay <= 0 {
		delay = DefaultPacketTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeoutScheduler{delay: delay, nodeAddress: nodeAddress, deliver: deliver, logger: logger}
}

// Schedule arms a timeout for the Prepare sent to destination with requestID.
func (s *TimeoutScheduler) Schedule(destination Endpoint, requestID string) *TimeoutHandle {
	h := &TimeoutHandle{}
	h.timer = time.AfterFunc(s.delay, func() {
		if h.cancelled.Load() {
			return
		}
		s.fire(destination, requestID)
	})
	return h
}

func (s *TimeoutScheduler) fire(destination Endpoint, requestID string) {
	reject := &ilp.Reject{
		Code:        ilp.CodeTransferTimedOut,
		TriggeredBy: s.nodeAddress,
		Message:     "Packet timed out",
	}
	serialized, err := ilp.Serialize(reject)
	if err != nil {
		s.logger.Error("serialize timeout reject", "error", err)
		return
	}

	s.logger.Debug("packet timed out", "endpoint", destination.UniqueID(), "request_id", requestID)
	s.deliver(IncomingPacket{
		Source:     destination,
		Packet:     reject,
		Serialized: serialized,
		RequestID:  requestID,
	})
}
