// Package connector switches ILP packets between endpoints and keeps the
// ledger entries of every in-flight Prepare consistent with its outcome.
package connector

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/example/ilp-node/internal/accounting"
	"github.com/example/ilp-node/pkg/ilp"
)

const recentTimeoutCapacity = 1024

// Posting a fulfilled transfer is retried postAttempts times, each bounded
// by DefaultPostTimeout unless configured otherwise.
const (
	postAttempts       = 3
	DefaultPostTimeout = time.Second
)

// ProcessorConfig wires a Processor.
type ProcessorConfig struct {
	NodeAddress   string
	Ledger        *accounting.Ledger
	Outcomes      *OutcomeCalculator
	Sender        PacketSender
	PacketTimeout time.Duration
	// PostTimeout bounds one durable write of a fulfilled transfer. The
	// processing lock is held meanwhile.
	PostTimeout time.Duration
	Logger      *slog.Logger
}

// Processor is the packet switch. Each handler runs its bookkeeping under
// one lock so that exactly one of Fulfill, Reject or timeout finalizes a
// Prepare; packets are handed to senders after the lock is released.
type Processor struct {
	mu       sync.Mutex
	inFlight map[string]*PreparedPacket
	timedOut *recentSet

	address  string
	ledger   *accounting.Ledger
	outcomes *OutcomeCalculator
	sender   PacketSender
	timeouts *TimeoutScheduler
	logger   *slog.Logger

	postTimeout time.Duration

	newRequestID func() string
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	postTimeout := cfg.PostTimeout
	if postTimeout <= 0 {
		postTimeout = DefaultPostTimeout
	}
	p := &Processor{
		postTimeout:  postTimeout,
		inFlight:     make(map[string]*PreparedPacket),
		timedOut:     newRecentSet(recentTimeoutCapacity),
		address:      cfg.NodeAddress,
		ledger:       cfg.Ledger,
		outcomes:     cfg.Outcomes,
		sender:       cfg.Sender,
		logger:       logger,
		newRequestID: randomRequestID,
	}
	p.timeouts = NewTimeoutScheduler(cfg.PacketTimeout, cfg.NodeAddress, p.processTimeout, logger)
	return p
}

// Address returns the node's ILP address.
func (p *Processor) Address() string { return p.address }

// InFlight returns the number of Prepares awaiting a result.
func (p *Processor) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// ProcessPacket handles one packet received from in.Source.
func (p *Processor) ProcessPacket(ctx context.Context, in IncomingPacket) {
	switch pkt := in.Packet.(type) {
	case *ilp.Prepare:
		p.processPrepare(ctx, in, pkt, nil)
	case *ilp.Fulfill:
		p.processFulfill(ctx, in, pkt)
	case *ilp.Reject:
		p.processReject(in, pkt, false)
	default:
		p.logger.Error("unknown packet type", "type", in.Packet)
	}
}

// ProcessPrepareWithOutcome forwards a Prepare using a predetermined outcome
// instead of asking the outcome calculator. It is used for value-less
// protocol messages that need no ledger entries.
func (p *Processor) ProcessPrepareWithOutcome(ctx context.Context, in IncomingPacket, outcome PrepareOutcome) {
	prepare, ok := in.Packet.(*ilp.Prepare)
	if !ok {
		p.logger.Error("predetermined outcome for a non-prepare packet", "request_id", in.RequestID)
		return
	}
	p.processPrepare(ctx, in, prepare, &outcome)
}

func (p *Processor) processPrepare(ctx context.Context, in IncomingPacket, prepare *ilp.Prepare, predetermined *PrepareOutcome) {
	p.mu.Lock()

	var outcome PrepareOutcome
	if predetermined != nil {
		outcome = *predetermined
		if outcome.Amount == nil {
			outcome.Amount = prepare.Amount
		}
		if outcome.ExpiresAt == "" {
			outcome.ExpiresAt = prepare.ExpiresAt
		}
	} else {
		var err error
		outcome, err = p.outcomes.Calculate(ctx, in.Source, prepare)
		if err != nil {
			p.mu.Unlock()
			p.rejectEarly(in, asFailure(err))
			return
		}
	}

	outgoing := &ilp.Prepare{
		Amount:             new(big.Int).Set(outcome.Amount),
		ExpiresAt:          outcome.ExpiresAt,
		ExecutionCondition: prepare.ExecutionCondition,
		Destination:        prepare.Destination,
		Data:               prepare.Data,
	}
	serialized, err := ilp.Serialize(outgoing)
	if err != nil {
		p.voidAll(outcome.Transfers)
		p.mu.Unlock()
		p.rejectEarly(in, internalError(err))
		return
	}

	requestID := p.newRequestID()
	key := correlationKey(outcome.Destination, requestID)
	for {
		if _, taken := p.inFlight[key]; !taken {
			break
		}
		requestID = p.newRequestID()
		key = correlationKey(outcome.Destination, requestID)
	}

	record := &PreparedPacket{
		Source:            in.Source,
		Prepare:           prepare,
		Serialized:        in.Serialized,
		IncomingRequestID: in.RequestID,
		Destination:       outcome.Destination,
		OutgoingRequestID: requestID,
		Transfers:         outcome.Transfers,
	}
	record.timeout = p.timeouts.Schedule(outcome.Destination, requestID)
	p.inFlight[key] = record
	p.mu.Unlock()

	p.logger.Debug("forwarding prepare",
		"destination", prepare.Destination,
		"endpoint", outcome.Destination.UniqueID(),
		"amount", outgoing.Amount.String(),
		"request_id", requestID)

	p.sender.SendPrepare(OutgoingPrepare{
		Source:      in.Source,
		Destination: outcome.Destination,
		RequestID:   requestID,
		Prepare:     outgoing,
		Serialized:  serialized,
	})
}

// rejectEarly answers a Prepare that was never forwarded.
func (p *Processor) rejectEarly(in IncomingPacket, failure *IlpFailure) {
	p.logger.Info("rejecting prepare",
		"code", failure.Code,
		"source", in.Source.UniqueID(),
		"request_id", in.RequestID,
		"error", failure.Error())

	reject := &ilp.Reject{
		Code:        failure.Code,
		TriggeredBy: p.address,
		Message:     failure.Message,
	}
	serialized, err := ilp.Serialize(reject)
	if err != nil {
		p.logger.Error("serialize reject", "error", err)
		return
	}
	p.sender.SendResult(ResolvedPacket{
		Destination: in.Source,
		RequestID:   in.RequestID,
		Packet:      reject,
		Serialized:  serialized,
	})
}

func (p *Processor) processFulfill(ctx context.Context, in IncomingPacket, fulfill *ilp.Fulfill) {
	key := correlationKey(in.Source, in.RequestID)

	p.mu.Lock()
	record, ok := p.inFlight[key]
	if !ok {
		condition, late := p.timedOut.get(key)
		p.mu.Unlock()
		if late && fulfill.Matches(condition) {
			p.logger.Warn("fulfilled after timeout, discarding", "endpoint", in.Source.UniqueID(), "request_id", in.RequestID)
			return
		}
		p.logger.Warn("fulfill for unknown request, discarding", "endpoint", in.Source.UniqueID(), "request_id", in.RequestID)
		return
	}

	if !fulfill.Matches(record.Prepare.ExecutionCondition) {
		p.mu.Unlock()
		p.logger.Debug("fulfillment does not match condition, discarding", "request_id", in.RequestID)
		return
	}

	delete(p.inFlight, key)
	record.timeout.Cancel()
	for _, t := range record.Transfers {
		p.postOrVoid(ctx, t, in.RequestID)
	}
	p.mu.Unlock()

	p.sender.SendResult(ResolvedPacket{
		Destination: record.Source,
		RequestID:   record.IncomingRequestID,
		Packet:      fulfill,
		Serialized:  in.Serialized,
		Prepare:     record,
	})
}

func (p *Processor) processTimeout(in IncomingPacket) {
	p.processReject(in, in.Packet.(*ilp.Reject), true)
}

func (p *Processor) processReject(in IncomingPacket, reject *ilp.Reject, timedOut bool) {
	key := correlationKey(in.Source, in.RequestID)

	p.mu.Lock()
	record, ok := p.inFlight[key]
	if !ok {
		p.mu.Unlock()
		if !timedOut {
			p.logger.Warn("reject for unknown request, discarding", "endpoint", in.Source.UniqueID(), "request_id", in.RequestID)
		}
		return
	}

	delete(p.inFlight, key)
	record.timeout.Cancel()
	p.voidAll(record.Transfers)
	if timedOut {
		p.timedOut.add(key, record.Prepare.ExecutionCondition)
	}
	p.mu.Unlock()

	p.sender.SendResult(ResolvedPacket{
		Destination: record.Source,
		RequestID:   record.IncomingRequestID,
		Packet:      reject,
		Serialized:  in.Serialized,
		Prepare:     record,
	})
}

// postOrVoid posts t, retrying transient storage failures. A transfer that
// cannot be posted is voided so its reservation does not outlive the packet.
// Must be called with p.mu held.
func (p *Processor) postOrVoid(ctx context.Context, t *accounting.Transfer, requestID string) {
	var err error
	for attempt := 1; attempt <= postAttempts; attempt++ {
		postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.postTimeout)
		err = p.ledger.PostPendingTransfer(postCtx, t)
		cancel()
		if err == nil {
			return
		}
		p.logger.Warn("post transfer failed",
			"attempt", attempt, "request_id", requestID,
			"debit", t.DebitAccount, "credit", t.CreditAccount, "error", err)
	}
	p.ledger.VoidPendingTransfer(t)
	p.logger.Error("transfer voided after failed posts; fulfilled packet is not on the books",
		"request_id", requestID,
		"debit", t.DebitAccount,
		"credit", t.CreditAccount,
		"amount", t.Amount.String(),
		"error", err)
}

func (p *Processor) voidAll(transfers []*accounting.Transfer) {
	for _, t := range transfers {
		p.ledger.VoidPendingTransfer(t)
	}
}

func randomRequestID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano()&0xffffffff, 10)
	}
	return strconv.FormatUint(uint64(binary.BigEndian.Uint32(b[:])), 10)
}

// recentSet remembers the conditions of the last n timed out keys.
type recentSet struct {
	order []string
	items map[string][32]byte
	next  int
}

func newRecentSet(n int) *recentSet {
	return &recentSet{order: make([]string, n), items: make(map[string][32]byte, n)}
}

func (s *recentSet) add(key string, condition [32]byte) {
	if _, ok := s.items[key]; ok {
		s.items[key] = condition
		return
	}
	if old := s.order[s.next]; old != "" {
		delete(s.items, old)
	}
	s.order[s.next] = key
	s.items[key] = condition
	s.next = (s.next + 1) % len(s.order)
}

func (s *recentSet) get(key string) ([32]byte, bool) {
	c, ok := s.items[key]
	return c, ok
}
